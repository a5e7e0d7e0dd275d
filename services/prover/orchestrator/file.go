// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianProver/services/prover/results"
	"github.com/AleutianAI/AleutianProver/services/prover/script"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
	"github.com/AleutianAI/AleutianProver/services/prover/serapi"
	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
)

const tracerName = "aleutian.prover.orchestrator"

// RunFile searches every proof block of one script.
//
// Description:
//
//	Starts a session for path, replays vernacular blocks and searches each
//	proof block, then commits:
//
//	  - Succeeded: statement, found steps and Qed (Defined when the
//	    original used it). If that fails, the original proof is replayed.
//	  - Exhausted: the statement is already open, the original proof
//	    is replayed.
//	  - Aborted by a command timeout: the session is recovered to the
//	    baseline and the statement is Admitted.
//	  - Aborted otherwise, or not an obligation: the block is replayed.
//
//	Any other failure is a file fault. Proof blocks after a fault are
//	recorded as skipped.
//
// Outputs:
//
//	results.FileStats: Counts for the file; Fault is set on a fault.
//	error: The fault, if any.
func (o *Orchestrator) RunFile(ctx context.Context, path string) (stats results.FileStats, fault error) {
	start := time.Now()
	stats = results.FileStats{File: path}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Orchestrator.RunFile",
		trace.WithAttributes(attribute.String("prover.file", path)))
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, o.logger.With("file", path))
	defer func() {
		stats.Duration = time.Since(start)
		span.SetAttributes(
			attribute.Int("prover.obligations", stats.Obligations),
			attribute.Int("prover.succeeded", stats.Succeeded),
		)
		status := "ok"
		if fault != nil {
			status = "fault"
			stats.Fault = fault.Error()
			telemetry.RecordError(span, fault)
			logger.Error("file faulted", "error", fault)
		} else {
			logger.Info("file finished",
				"obligations", stats.Obligations,
				"succeeded", stats.Succeeded,
				"exhausted", stats.Exhausted,
				"aborted", stats.Aborted,
			)
		}
		filesProcessed.WithLabelValues(status).Inc()
	}()

	blocks, err := script.ParseFile(path)
	if err != nil {
		return stats, err
	}

	sess, err := o.factory(ctx, path)
	if err != nil {
		fault = fmt.Errorf("starting session: %w", err)
		for _, b := range blocks {
			o.skip(ctx, &stats, path, b, fault)
		}
		return stats, fault
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("closing session", "error", err)
		}
	}()

	for _, b := range blocks {
		if fault == nil {
			fault = ctx.Err()
		}
		if fault != nil {
			o.skip(ctx, &stats, path, b, fault)
			continue
		}
		switch b.Kind {
		case script.Vernac:
			fault = replay(ctx, sess, b.Sentences)
		case script.Proof:
			fault = o.prove(ctx, sess, path, b, &stats, logger)
		}
	}
	return stats, fault
}

// prove searches one proof block and commits the outcome.
func (o *Orchestrator) prove(ctx context.Context, sess Session, path string, b script.Block, stats *results.FileStats, logger *slog.Logger) error {
	stmt := b.Statement()
	rec := results.Record{
		RunID:     o.runID,
		File:      path,
		Name:      b.Name(),
		Line:      stmt.Line,
		Statement: stmt.Text,
	}
	logger = logger.With("obligation", rec.Name)

	res, err := o.engine.Search(ctx, sess, stmt.Text)
	rec.Evaluated, rec.Expanded, rec.Rejected, rec.Duration = res.Evaluated, res.Expanded, res.Rejected, res.Duration

	var commitErr error
	switch {
	case errors.Is(err, search.ErrNotAnObligation):
		rec.Outcome = results.Replayed
		commitErr = replay(ctx, sess, b.Sentences)
	case err != nil:
		rec.Outcome = results.Skipped
		rec.Error = err.Error()
		commitErr = fmt.Errorf("searching %s: %w", rec.Name, err)
	case res.Outcome == search.OutcomeSucceeded:
		rec.Outcome = results.Succeeded
		rec.Steps = res.Steps
		commitErr = o.commitProof(ctx, sess, b, res.Steps, logger)
	case res.Outcome == search.OutcomeExhausted:
		rec.Outcome = results.Exhausted
		commitErr = replay(ctx, sess, b.Sentences[1:])
	default:
		rec.Outcome = results.Aborted
		if res.Cause != nil {
			rec.Error = res.Cause.Error()
		}
		switch {
		case errors.Is(res.Cause, serapi.ErrTimedOut):
			commitErr = o.recoverAndAdmit(ctx, sess, res.BaselineDepth, stmt.Text, logger)
		case ctx.Err() != nil:
			commitErr = ctx.Err()
		default:
			commitErr = replay(ctx, sess, b.Sentences)
		}
	}

	logger.Info("obligation finished", "outcome", rec.Outcome, "steps", len(rec.Steps), "evaluated", rec.Evaluated)
	o.record(ctx, stats, rec)
	return commitErr
}

// commitProof submits the found proof, falling back to the original one.
func (o *Orchestrator) commitProof(ctx context.Context, sess Session, b script.Block, steps []string, logger *slog.Logger) error {
	end := "Qed."
	if strings.HasPrefix(b.End().Text, "Defined") {
		end = "Defined."
	}
	cmds := make([]string, 0, len(steps)+2)
	cmds = append(cmds, b.Statement().Text)
	cmds = append(cmds, steps...)
	cmds = append(cmds, end)

	baseline := sess.Depth()
	err := submitAll(ctx, sess, cmds)
	if err == nil {
		return nil
	}
	if !errors.Is(err, serapi.ErrStepRejected) {
		return err
	}
	logger.Warn("found proof did not commit, replaying the original", "error", err)
	if err := sess.CancelLast(ctx, sess.Depth()-baseline); err != nil {
		return fmt.Errorf("undoing partial commit: %w", err)
	}
	return replay(ctx, sess, b.Sentences)
}

// recoverAndAdmit restarts a timed-out session and admits the statement.
func (o *Orchestrator) recoverAndAdmit(ctx context.Context, sess Session, baseline int, stmt string, logger *slog.Logger) error {
	if err := o.restarts.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for restart budget: %w", err)
	}
	logger.Warn("recovering session after timeout", "depth", baseline)
	if err := sess.Recover(ctx, baseline); err != nil {
		return fmt.Errorf("recovering session: %w", err)
	}
	return submitAll(ctx, sess, []string{stmt, "Admitted."})
}

func (o *Orchestrator) skip(ctx context.Context, stats *results.FileStats, path string, b script.Block, cause error) {
	if b.Kind != script.Proof {
		return
	}
	o.record(ctx, stats, results.Record{
		RunID:     o.runID,
		File:      path,
		Name:      b.Name(),
		Line:      b.Statement().Line,
		Statement: b.Statement().Text,
		Outcome:   results.Skipped,
		Error:     cause.Error(),
	})
}

func (o *Orchestrator) record(ctx context.Context, stats *results.FileStats, rec results.Record) {
	stats.Add(rec.Outcome)
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("recording result", "file", rec.File, "obligation", rec.Name, "error", err)
	}
}

func (o *Orchestrator) checkFile(ctx context.Context, path string) error {
	blocks, err := script.ParseFile(path)
	if err != nil {
		return err
	}
	sess, err := o.factory(ctx, path)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			o.logger.Warn("closing session", "file", path, "error", err)
		}
	}()
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := replay(ctx, sess, b.Sentences); err != nil {
			return err
		}
	}
	return nil
}

func replay(ctx context.Context, sess Session, sentences []script.Sentence) error {
	for _, s := range sentences {
		if _, err := sess.Submit(ctx, s.Text); err != nil {
			return fmt.Errorf("replaying line %d: %w", s.Line, err)
		}
	}
	return nil
}

func submitAll(ctx context.Context, sess Session, cmds []string) error {
	for _, c := range cmds {
		if _, err := sess.Submit(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
