// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search finds proofs by breadth-first search over tactic
// sequences ranked by an oracle.
//
// Every frontier entry is a full command sequence starting with the
// obligation. The engine replays it from a recorded baseline, probes for
// completion, asks the oracle for continuations and rolls the session
// back to the baseline before taking the next entry. The session is
// therefore always at the baseline between entries, and the first
// complete sequence found is a shortest one within the width bound.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/oracle"
	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
	"github.com/AleutianAI/AleutianProver/services/prover/serapi"
)

var (
	// ErrInvalidConfig indicates a configuration that cannot be searched.
	ErrInvalidConfig = errors.New("search: invalid config")

	// ErrNotAnObligation indicates the statement was accepted but did not
	// open a proof.
	ErrNotAnObligation = errors.New("search: statement does not open a proof")

	// ErrObligationRejected indicates the prover refused the statement.
	ErrObligationRejected = errors.New("search: obligation rejected")

	// ErrRollbackMismatch indicates the session did not return to the
	// baseline after a rollback.
	ErrRollbackMismatch = errors.New("search: rollback did not restore the baseline")

	// ErrTimeBudget is the cause of an Aborted result when the per-obligation
	// time budget runs out.
	ErrTimeBudget = errors.New("search: time budget exhausted")
)

// Session is the part of a prover session the engine drives.
//
// *serapi.Session satisfies it.
type Session interface {
	Submit(ctx context.Context, command string) (proofstate.Snapshot, error)
	CancelLast(ctx context.Context, n int) error
	AbortProof(ctx context.Context) error
	Depth() int
	CurrentSnapshot() proofstate.Snapshot
}

var _ Session = (*serapi.Session)(nil)

// Engine runs bounded breadth-first proof search.
//
// Thread Safety: An Engine is immutable and may serve many goroutines,
// each with its own Session.
type Engine struct {
	cfg    Config
	oracle oracle.Oracle
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine.
func NewEngine(cfg Config, o oracle.Oracle, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: oracle is nil", ErrInvalidConfig)
	}
	e := &Engine{cfg: cfg, oracle: o, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

type verdict int

const (
	verdictRejected verdict = iota
	verdictOpen
	verdictComplete
)

// Search looks for a proof of obligation.
//
// Description:
//
//	Aborts any proof left open in sess, records the baseline depth and
//	explores candidate sequences breadth-first. Each entry is replayed,
//	probed, optionally expanded and rolled back before the next one.
//
//	On Succeeded the session is at the baseline and Result.Steps holds
//	the proof. On Exhausted the obligation has been resubmitted, so the
//	session is at baseline+1 with the proof open. On Aborted the session
//	is at the baseline, except when Cause wraps serapi.ErrTimedOut: then
//	the session is broken and must be recovered.
//
// Outputs:
//
//	Result: Always populated with the statistics gathered so far.
//	error: Non-nil for faults the caller cannot search past: the
//	statement is rejected or opens no proof, the session fails, or a
//	rollback does not restore the baseline.
func (e *Engine) Search(ctx context.Context, sess Session, obligation string) (res Result, err error) {
	start := time.Now()
	res = Result{Obligation: obligation}
	logger := e.logger.With("obligation", abbreviate(obligation))
	defer func() {
		res.Duration = time.Since(start)
		if err == nil {
			recordResult(res)
		}
	}()

	if err := sess.AbortProof(ctx); err != nil {
		return res, fmt.Errorf("closing open proof: %w", err)
	}
	res.BaselineDepth = sess.Depth()

	searchCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeoutCause(ctx, e.cfg.Timeout, ErrTimeBudget)
		defer cancel()
	}

	tx := begin(sess, e.cfg.VerifyRollback)
	front := newFrontier([]string{obligation})
	res.MaxFrontier = 1

	for {
		if cause := stopCause(searchCtx); cause != nil {
			res.Outcome, res.Cause = OutcomeAborted, cause
			logger.Info("search aborted", "cause", cause, "evaluated", res.Evaluated)
			return res, nil
		}
		if e.cfg.MaxEvaluations > 0 && res.Evaluated >= e.cfg.MaxEvaluations {
			logger.Info("evaluation budget reached", "evaluated", res.Evaluated)
			break
		}
		seq, ok := front.pop()
		if !ok {
			break
		}
		res.Evaluated++

		snap, v, evalErr := e.evaluate(searchCtx, tx, seq, &res)
		if evalErr != nil {
			if errors.Is(evalErr, serapi.ErrTimedOut) {
				res.Outcome, res.Cause = OutcomeAborted, evalErr
				logger.Warn("command timed out, session needs recovery", "sequence", seq, "error", evalErr)
				return res, nil
			}
			if errors.Is(evalErr, ErrObligationRejected) || errors.Is(evalErr, ErrNotAnObligation) {
				if rbErr := tx.rollback(ctx); rbErr != nil {
					return res, errors.Join(evalErr, rbErr)
				}
			}
			return res, evalErr
		}
		if err := tx.rollback(ctx); err != nil {
			return res, err
		}

		switch v {
		case verdictRejected:
			continue
		case verdictComplete:
			res.Outcome = OutcomeSucceeded
			res.Steps = slices.Clone(seq[1:])
			logger.Info("proof found", "steps", len(res.Steps), "evaluated", res.Evaluated)
			return res, nil
		}

		if len(seq)-1 >= e.cfg.Depth {
			continue
		}
		preds, oerr := e.oracle.Score(searchCtx, snap, e.cfg.Width)
		if oerr != nil {
			if cause := stopCause(searchCtx); cause != nil {
				oerr = cause
			} else {
				oerr = fmt.Errorf("oracle: %w", oerr)
			}
			res.Outcome, res.Cause = OutcomeAborted, oerr
			logger.Warn("search aborted by oracle failure", "error", oerr)
			return res, nil
		}
		res.Expanded++
		for _, p := range oracle.Dedupe(preds, e.cfg.Width) {
			front.push(extend(seq, p.Tactic))
		}
		res.MaxFrontier = max(res.MaxFrontier, front.Len())
		logger.Debug("expanded", "depth", len(seq)-1, "predictions", len(preds), "frontier", front.Len())
	}

	if _, err := sess.Submit(ctx, obligation); err != nil {
		if errors.Is(err, serapi.ErrTimedOut) {
			res.Outcome, res.Cause = OutcomeAborted, err
			return res, nil
		}
		return res, fmt.Errorf("resubmitting obligation: %w", err)
	}
	res.Outcome = OutcomeExhausted
	logger.Info("search exhausted", "evaluated", res.Evaluated, "rejected", res.Rejected)
	return res, nil
}

// evaluate replays seq and probes for completion without rolling back.
// It returns the snapshot after the last replayed step.
func (e *Engine) evaluate(ctx context.Context, tx *replay, seq []string, res *Result) (proofstate.Snapshot, verdict, error) {
	var snap proofstate.Snapshot
	for i, cmd := range seq {
		s, err := tx.submit(ctx, cmd)
		if err != nil {
			if !errors.Is(err, serapi.ErrStepRejected) {
				return snap, 0, err
			}
			if i == 0 {
				return snap, 0, fmt.Errorf("%w: %w", ErrObligationRejected, err)
			}
			res.Rejected++
			return snap, verdictRejected, nil
		}
		if i == 0 && !s.InProof() {
			return s, 0, fmt.Errorf("%w: %q", ErrNotAnObligation, cmd)
		}
		snap = s
	}

	probed, err := tx.submit(ctx, e.cfg.Probe)
	if err != nil {
		if !errors.Is(err, serapi.ErrStepRejected) {
			return snap, 0, err
		}
		// Nothing left to unshelve.
		if snap.Open() == 0 {
			return snap, verdictComplete, nil
		}
		return snap, verdictOpen, nil
	}
	if probed.Open() == 0 {
		return snap, verdictComplete, nil
	}
	return snap, verdictOpen, nil
}

func stopCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

func abbreviate(s string) string {
	const limit = 80
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
