// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultProbe is submitted after a candidate sequence to bring shelved
// goals back into focus before the completion check.
const DefaultProbe = "Unshelve."

// Config bounds one search.
type Config struct {
	// Width is the number of predictions expanded per frontier entry.
	Width int

	// Depth is the maximum number of steps in a candidate proof.
	Depth int

	// Probe is submitted after each replayed sequence.
	Probe string

	// MaxEvaluations caps frontier entries evaluated. Zero means unlimited.
	MaxEvaluations int

	// Timeout caps wall-clock time per obligation. Zero means unlimited.
	Timeout time.Duration

	// VerifyRollback compares the snapshot after every rollback with the
	// baseline snapshot.
	VerifyRollback bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Width: 3,
		Depth: 6,
		Probe: DefaultProbe,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Width < 1 {
		errs = append(errs, fmt.Errorf("width must be at least 1, got %d", c.Width))
	}
	if c.Depth < 0 {
		errs = append(errs, fmt.Errorf("depth must not be negative, got %d", c.Depth))
	}
	if strings.TrimSpace(c.Probe) == "" {
		errs = append(errs, errors.New("probe must not be empty"))
	}
	if c.MaxEvaluations < 0 {
		errs = append(errs, fmt.Errorf("max evaluations must not be negative, got %d", c.MaxEvaluations))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Timeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Outcome is the terminal state of a search.
type Outcome int

const (
	// OutcomeSucceeded means a sequence closed every goal.
	OutcomeSucceeded Outcome = iota + 1

	// OutcomeExhausted means the bounded space held no proof.
	OutcomeExhausted

	// OutcomeAborted means the search stopped early: a command timed out,
	// the time budget ran out, the caller cancelled, or the oracle failed.
	OutcomeAborted
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result describes one finished search.
type Result struct {
	// Obligation is the statement searched for.
	Obligation string

	// Outcome is the terminal state.
	Outcome Outcome

	// Steps is the proof on success, excluding the obligation and probe.
	Steps []string

	// Cause explains an Aborted outcome.
	Cause error

	// Evaluated counts frontier entries replayed.
	Evaluated int

	// Expanded counts frontier entries handed to the oracle.
	Expanded int

	// Rejected counts replayed steps the prover refused.
	Rejected int

	// MaxFrontier is the largest frontier size observed.
	MaxFrontier int

	// BaselineDepth is the session depth the search started from.
	BaselineDepth int

	// Duration is the wall-clock time spent.
	Duration time.Duration
}
