// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle ranks candidate tactics for a proof context.
//
// The search engine depends only on the Oracle interface. Implementations
// must be safe for concurrent use by many workers and must not share
// mutable state with any session.
package oracle

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

// ErrBadCount indicates a non-positive requested count.
var ErrBadCount = errors.New("oracle: count must be positive")

// Prediction is one candidate next step.
type Prediction struct {
	// Tactic is the command text, including the terminating period.
	Tactic string `json:"tactic"`

	// Score is the oracle's confidence. Only the order matters.
	Score float64 `json:"score"`
}

// Oracle scores candidate next steps.
type Oracle interface {
	// Score returns at most count predictions for snap, best first.
	// Callers explore them in the returned order, not by Score.
	Score(ctx context.Context, snap proofstate.Snapshot, count int) ([]Prediction, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, snap proofstate.Snapshot, count int) ([]Prediction, error)

// Score calls f.
func (f Func) Score(ctx context.Context, snap proofstate.Snapshot, count int) ([]Prediction, error) {
	return f(ctx, snap, count)
}

// Dedupe drops empty and repeated tactics, keeping the first copy and the
// input order, and truncates to count.
func Dedupe(preds []Prediction, count int) []Prediction {
	out := make([]Prediction, 0, min(len(preds), max(count, 0)))
	seen := make(map[string]struct{}, len(preds))
	for _, p := range preds {
		if count >= 0 && len(out) == count {
			break
		}
		p.Tactic = strings.TrimSpace(p.Tactic)
		if p.Tactic == "" {
			continue
		}
		if _, ok := seen[p.Tactic]; ok {
			continue
		}
		seen[p.Tactic] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Rank orders predictions by descending score, drops empty and duplicate
// tactics (keeping the best-scored copy) and truncates to count.
//
// Ties keep their input order.
func Rank(preds []Prediction, count int) []Prediction {
	out := make([]Prediction, 0, len(preds))
	seen := make(map[string]int, len(preds))
	for _, p := range preds {
		p.Tactic = strings.TrimSpace(p.Tactic)
		if p.Tactic == "" {
			continue
		}
		if i, ok := seen[p.Tactic]; ok {
			if p.Score > out[i].Score {
				out[i].Score = p.Score
			}
			continue
		}
		seen[p.Tactic] = len(out)
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if count >= 0 && len(out) > count {
		out = out[:count]
	}
	return out
}

// Tactics returns the tactic strings of preds.
func Tactics(preds []Prediction) []string {
	out := make([]string, len(preds))
	for i, p := range preds {
		out[i] = p.Tactic
	}
	return out
}
