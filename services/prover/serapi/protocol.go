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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianProver/services/prover/sexp"
)

// =============================================================================
// COMMANDS
// =============================================================================

// goalsQuery asks for the goals printed as text.
var goalsQuery = sexp.List(
	sexp.Atom("Query"),
	sexp.List(sexp.List(sexp.Atom("pp"), sexp.List(sexp.List(sexp.Atom("pp_format"), sexp.Atom("PpStr"))))),
	sexp.Atom("Goals"),
)

func addCmd(text string) sexp.Node {
	return sexp.List(sexp.Atom("Add"), sexp.List(), sexp.Str(text))
}

func execCmd(sid int) sexp.Node {
	return sexp.List(sexp.Atom("Exec"), sexp.Atom(strconv.Itoa(sid)))
}

func cancelCmd(sids ...int) sexp.Node {
	items := make([]sexp.Node, len(sids))
	for i, sid := range sids {
		items[i] = sexp.Atom(strconv.Itoa(sid))
	}
	return sexp.List(sexp.Atom("Cancel"), sexp.List(items...))
}

// =============================================================================
// PROTOCOL HANDLER
// =============================================================================

// Protocol speaks tagged s-expressions over sertop's stdin and stdout.
//
// Description:
//
//	Each request is written as one line "(tN (Cmd ...))". Answers carry the
//	tag and are collected until (Answer tN Completed). Answers for tags no
//	longer pending are dropped; feedback is logged and ignored. An
//	unrecognized message fails every pending request and stops the read
//	loop.
//
// Thread Safety:
//
//	Safe for concurrent use. The Session only ever has one request in
//	flight, but Close may race with Exchange.
type Protocol struct {
	reader  *sexp.Reader
	writer  io.Writer
	writeMu sync.Mutex
	logger  *slog.Logger

	nextTag   int64
	pending   map[string]*exchange
	pendingMu sync.Mutex
	closed    int32 // atomic: 1 if closed

	failMu  sync.Mutex
	failErr error
}

// exchange collects the answers for one tag.
type exchange struct {
	answers []Outcome
	err     error
	done    chan struct{}
}

// NewProtocol creates a protocol handler over sertop's stdout (r) and
// stdin (w).
func NewProtocol(r io.Reader, w io.Writer, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	var reader *sexp.Reader
	if r != nil {
		reader = sexp.NewReader(r)
	}
	return &Protocol{
		reader:  reader,
		writer:  w,
		logger:  logger,
		pending: make(map[string]*exchange),
	}
}

// Exchange sends one command and waits for its Completed answer.
//
// Description:
//
//	Returns every answer for the tag except Completed, in arrival order.
//	CoqExn answers are returned as KindError outcomes, not as errors; the
//	caller decides what a rejection means.
//
// Inputs:
//
//	ctx - Bounds the wait. Expiry returns ErrTimedOut.
//	cmd - The command body, without tag.
//
// Outputs:
//
//	[]Outcome - Answers for the command.
//	error - ErrTimedOut, ErrSessionClosed, ErrProcessExited, an
//	        *UnrecognizedError, or a write failure.
func (p *Protocol) Exchange(ctx context.Context, cmd sexp.Node) ([]Outcome, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, ErrSessionClosed
	}
	if err := p.failure(); err != nil {
		return nil, err
	}

	tag := "t" + strconv.FormatInt(atomic.AddInt64(&p.nextTag, 1), 10)
	ex := &exchange{done: make(chan struct{})}

	p.pendingMu.Lock()
	p.pending[tag] = ex
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, tag)
		p.pendingMu.Unlock()
	}()

	line := sexp.List(sexp.Atom(tag), cmd).String()
	if err := p.writeLine(line); err != nil {
		return nil, fmt.Errorf("write %s: %w", tag, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimedOut, line)
		}
		return nil, ctx.Err()
	case <-ex.done:
		p.pendingMu.Lock()
		answers, err := ex.answers, ex.err
		p.pendingMu.Unlock()
		return answers, err
	}
}

func (p *Protocol) writeLine(line string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := io.WriteString(p.writer, line+"\n"); err != nil {
		return err
	}
	return nil
}

// ReadLoop reads messages from sertop and dispatches answers.
//
// Description:
//
//	Runs until the stream ends, an unrecognized message arrives or ctx is
//	cancelled. On exit every pending exchange is failed with the cause.
//
// Thread Safety:
//
//	Must be called from a single goroutine.
func (p *Protocol) ReadLoop(ctx context.Context) error {
	if p.reader == nil {
		return fmt.Errorf("no reader configured")
	}

	for {
		select {
		case <-ctx.Done():
			p.fail(ErrSessionClosed)
			return ctx.Err()
		default:
		}

		raw, err := p.reader.Next()
		if err != nil {
			if atomic.LoadInt32(&p.closed) == 1 {
				p.fail(ErrSessionClosed)
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				p.fail(ErrProcessExited)
				return ErrProcessExited
			}
			err = fmt.Errorf("read: %w", err)
			p.fail(err)
			return err
		}

		if err := p.handleMessage(raw); err != nil {
			p.fail(err)
			return err
		}
	}
}

// handleMessage dispatches a received message.
func (p *Protocol) handleMessage(raw string) error {
	out := ParseMessage(raw)
	switch out.Kind {
	case KindUnrecognized:
		p.logger.Error("Unrecognized sertop message",
			slog.String("reason", out.Message),
			slog.String("raw", raw),
		)
		return &UnrecognizedError{Raw: raw, Reason: out.Message}
	case KindFeedback:
		if out.Message != "" {
			p.logger.Debug("sertop feedback", slog.String("message", out.Message))
		}
		return nil
	}

	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	ex, ok := p.pending[out.Tag]
	if !ok {
		p.logger.Debug("Dropping stale answer", slog.String("tag", out.Tag), slog.String("kind", out.Kind.String()))
		return nil
	}
	select {
	case <-ex.done:
		return nil
	default:
	}
	if out.Kind == KindCompleted {
		close(ex.done)
		return nil
	}
	ex.answers = append(ex.answers, out)
	return nil
}

// fail records err and releases every pending exchange with it.
func (p *Protocol) fail(err error) {
	p.failMu.Lock()
	if p.failErr == nil {
		p.failErr = err
	}
	p.failMu.Unlock()

	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for tag, ex := range p.pending {
		select {
		case <-ex.done:
		default:
			ex.err = err
			close(ex.done)
		}
		delete(p.pending, tag)
	}
}

func (p *Protocol) failure() error {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.failErr
}

// Close marks the protocol closed and fails pending exchanges. It does not
// close the underlying pipes.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) Close() {
	atomic.StoreInt32(&p.closed, 1)
	p.fail(ErrSessionClosed)
}
