// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"fmt"
	"regexp"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

// Rule proposes tactics when its pattern matches the focused goal.
type Rule struct {
	// Name identifies the rule in logs and tests.
	Name string

	// Pattern is matched against the goal text.
	Pattern *regexp.Regexp

	// Predictions are proposed when Pattern matches.
	Predictions []Prediction
}

// DefaultRules is the built-in rule table. Introductions dominate on
// universally quantified goals and automation dominates otherwise.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "forall",
			Pattern:     regexp.MustCompile(`^\s*forall\b`),
			Predictions: []Prediction{{"intros.", 1.0}, {"eauto.", 0.1}},
		},
		{
			Name:        "implication",
			Pattern:     regexp.MustCompile(`->`),
			Predictions: []Prediction{{"intros.", 0.9}, {"auto.", 0.2}},
		},
		{
			Name:        "conjunction",
			Pattern:     regexp.MustCompile(`/\\`),
			Predictions: []Prediction{{"split.", 0.8}},
		},
		{
			Name:        "disjunction",
			Pattern:     regexp.MustCompile(`\\/`),
			Predictions: []Prediction{{"left.", 0.4}, {"right.", 0.4}},
		},
		{
			Name:        "equality",
			Pattern:     regexp.MustCompile(`\s=\s`),
			Predictions: []Prediction{{"reflexivity.", 0.7}, {"simpl.", 0.3}},
		},
		{
			Name:        "exists",
			Pattern:     regexp.MustCompile(`^\s*exists\b`),
			Predictions: []Prediction{{"eexists.", 0.6}},
		},
		{
			Name:        "true",
			Pattern:     regexp.MustCompile(`^\s*True\s*$`),
			Predictions: []Prediction{{"exact I.", 0.9}},
		},
	}
}

// Heuristic is a rule-table oracle. Immutable after construction.
type Heuristic struct {
	rules    []Rule
	fallback []Prediction
}

// NewHeuristic builds a heuristic oracle. Nil rules select DefaultRules.
func NewHeuristic(rules []Rule) *Heuristic {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Heuristic{
		rules:    rules,
		fallback: []Prediction{{"eauto.", 1.0}, {"intros.", 0.1}},
	}
}

// Score implements Oracle.
//
// Description:
//
//	Collects the predictions of every matching rule, then the fallback
//	predictions, and ranks them. A goal matching no rule gets the
//	fallback ranking. When a hypothesis states the goal verbatim,
//	"assumption." is ranked first. Outside a proof no predictions are
//	returned.
func (h *Heuristic) Score(_ context.Context, snap proofstate.Snapshot, count int) ([]Prediction, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadCount, count)
	}
	goal, ok := snap.Focused()
	if !ok {
		return nil, nil
	}

	var preds []Prediction
	for _, hyp := range goal.Hypotheses {
		if hyp.Type == goal.Goal {
			preds = append(preds, Prediction{"assumption.", 2.0})
			break
		}
	}

	matched := false
	for _, r := range h.rules {
		if r.Pattern.MatchString(goal.Goal) {
			preds = append(preds, r.Predictions...)
			matched = true
		}
	}
	if matched {
		// keep fallbacks below every rule prediction
		for _, p := range h.fallback {
			preds = append(preds, Prediction{p.Tactic, p.Score / 100})
		}
	} else {
		preds = append(preds, h.fallback...)
	}
	return Rank(preds, count), nil
}
