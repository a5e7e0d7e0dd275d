// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package serapi

import (
	"errors"
	"fmt"
)

// Sentinel errors for session operations.
var (
	// ErrStepRejected indicates the prover rejected a command. The session
	// state is unchanged. Returned wrapped in *StepError.
	ErrStepRejected = errors.New("serapi: step rejected")

	// ErrTimedOut indicates no complete answer arrived within the command
	// timeout. The session is broken until Recover.
	ErrTimedOut = errors.New("serapi: command timed out")

	// ErrLaunch indicates sertop could not be started or failed the
	// startup handshake. Returned wrapped in *LaunchError.
	ErrLaunch = errors.New("serapi: launch failed")

	// ErrHistoryUnderflow indicates a cancel of more commands than were
	// accepted.
	ErrHistoryUnderflow = errors.New("serapi: history underflow")

	// ErrUnrecognized indicates a message that could not be classified.
	// Returned wrapped in *UnrecognizedError.
	ErrUnrecognized = errors.New("serapi: unrecognized message")

	// ErrCancelFailed indicates the prover refused to cancel accepted
	// states, so its position no longer matches the history.
	ErrCancelFailed = errors.New("serapi: cancel failed")

	// ErrProcessExited indicates sertop exited while answers were pending.
	ErrProcessExited = errors.New("serapi: sertop exited")

	// ErrSessionBroken indicates an earlier fatal fault. Call Recover or
	// discard the session.
	ErrSessionBroken = errors.New("serapi: session broken")

	// ErrSessionClosed indicates use after Close.
	ErrSessionClosed = errors.New("serapi: session closed")
)

// StepError is a command rejected by the prover.
type StepError struct {
	// Command is the rejected command text.
	Command string

	// Message is the prover's error message.
	Message string
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("serapi: step rejected: %q: %s", e.Command, e.Message)
}

// Unwrap returns ErrStepRejected.
func (e *StepError) Unwrap() error { return ErrStepRejected }

// LaunchError describes a failed start.
type LaunchError struct {
	// Executable is the resolved or configured sertop path.
	Executable string

	// Stage names the step that failed: "resolve", "spawn" or "handshake".
	Stage string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	return fmt.Sprintf("serapi: launch %s failed at %s: %v", e.Executable, e.Stage, e.Err)
}

// Unwrap returns both ErrLaunch and the cause.
func (e *LaunchError) Unwrap() []error { return []error{ErrLaunch, e.Err} }

// UnrecognizedError carries the message that could not be classified.
type UnrecognizedError struct {
	// Raw is the message text as received.
	Raw string

	// Reason says what was wrong with it.
	Reason string
}

// Error implements the error interface.
func (e *UnrecognizedError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return fmt.Sprintf("serapi: unrecognized message (%s): %s", e.Reason, raw)
}

// Unwrap returns ErrUnrecognized.
func (e *UnrecognizedError) Unwrap() error { return ErrUnrecognized }

// IsFatal reports whether err leaves the session unusable.
//
// Step rejections are the only recoverable command failure.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrStepRejected)
}
