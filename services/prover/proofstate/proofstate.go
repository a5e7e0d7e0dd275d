// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proofstate holds the proof context model shared by the session,
// the search engine and the oracles.
//
// A Snapshot is a value. The session keeps the authoritative copy and hands
// out clones, so nothing outside the session can mutate its view of the
// prover.
package proofstate

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
)

// Hypothesis is one entry of a goal's local context.
//
// Several names may share a declaration ("x y : nat"). Body is set only for
// local definitions ("x := 3 : nat").
type Hypothesis struct {
	Names []string `json:"names"`
	Body  string   `json:"body,omitempty"`
	Type  string   `json:"type"`
}

// String renders the hypothesis the way the prover prints it.
func (h Hypothesis) String() string {
	var b strings.Builder
	b.WriteString(strings.Join(h.Names, ", "))
	if h.Body != "" {
		b.WriteString(" := ")
		b.WriteString(h.Body)
	}
	b.WriteString(" : ")
	b.WriteString(h.Type)
	return b.String()
}

// Subgoal is one open goal with its local context.
type Subgoal struct {
	Hypotheses []Hypothesis `json:"hypotheses"`
	Goal       string       `json:"goal"`
}

// Goals is the decoded goal payload of one goals query.
type Goals struct {
	// Subgoals are the focused goals, actionable one first.
	Subgoals []Subgoal `json:"subgoals"`

	// Background counts unfocused goals: bullet stack, shelf and given-up.
	Background int `json:"background"`
}

// Open returns focused plus background goals.
func (g Goals) Open() int { return len(g.Subgoals) + g.Background }

// Snapshot is the proof context at one point of a session.
type Snapshot struct {
	// PrevTactics are the commands accepted since the command that opened
	// the current proof, oldest first. Empty outside a proof.
	PrevTactics []string `json:"prev_tactics"`

	// Subgoals are the focused goals, actionable one first.
	Subgoals []Subgoal `json:"subgoals"`

	// Background counts unfocused goals still open.
	Background int `json:"background"`
}

// Open returns the number of goals still open anywhere in the proof.
func (s Snapshot) Open() int { return len(s.Subgoals) + s.Background }

// InProof reports whether at least one goal is open.
func (s Snapshot) InProof() bool { return s.Open() > 0 }

// Focused returns the actionable goal.
func (s Snapshot) Focused() (Subgoal, bool) {
	if len(s.Subgoals) == 0 {
		return Subgoal{}, false
	}
	return s.Subgoals[0], true
}

// Goal returns the text of the actionable goal, or "".
func (s Snapshot) Goal() string {
	g, ok := s.Focused()
	if !ok {
		return ""
	}
	return g.Goal
}

// HypothesisMap flattens the actionable goal's context to name → type.
//
// Local definitions render as "body : type".
func (s Snapshot) HypothesisMap() map[string]string {
	out := make(map[string]string)
	g, ok := s.Focused()
	if !ok {
		return out
	}
	for _, h := range g.Hypotheses {
		stmt := h.Type
		if h.Body != "" {
			stmt = h.Body + " : " + h.Type
		}
		for _, name := range h.Names {
			out[name] = stmt
		}
	}
	return out
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		PrevTactics: slices.Clone(s.PrevTactics),
		Background:  s.Background,
	}
	if s.Subgoals != nil {
		out.Subgoals = make([]Subgoal, len(s.Subgoals))
		for i, g := range s.Subgoals {
			out.Subgoals[i] = g.clone()
		}
	}
	return out
}

func (g Subgoal) clone() Subgoal {
	out := Subgoal{Goal: g.Goal}
	if g.Hypotheses != nil {
		out.Hypotheses = make([]Hypothesis, len(g.Hypotheses))
		for i, h := range g.Hypotheses {
			out.Hypotheses[i] = Hypothesis{
				Names: slices.Clone(h.Names),
				Body:  h.Body,
				Type:  h.Type,
			}
		}
	}
	return out
}

// Equal reports whether two snapshots describe the same proof context.
//
// Nil and empty slices compare equal.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Background != o.Background ||
		!slices.Equal(s.PrevTactics, o.PrevTactics) ||
		len(s.Subgoals) != len(o.Subgoals) {
		return false
	}
	for i := range s.Subgoals {
		if !s.Subgoals[i].equal(o.Subgoals[i]) {
			return false
		}
	}
	return true
}

func (g Subgoal) equal(o Subgoal) bool {
	if g.Goal != o.Goal || len(g.Hypotheses) != len(o.Hypotheses) {
		return false
	}
	for i, h := range g.Hypotheses {
		oh := o.Hypotheses[i]
		if h.Body != oh.Body || h.Type != oh.Type || !slices.Equal(h.Names, oh.Names) {
			return false
		}
	}
	return true
}

// Key returns a stable digest of the goals and prior tactics.
//
// Two snapshots with equal Key are interchangeable for scoring, which is
// what the oracle cache relies on.
func (s Snapshot) Key() string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	for _, t := range s.PrevTactics {
		write("t", t)
	}
	for _, g := range s.Subgoals {
		write("g")
		for _, hyp := range g.Hypotheses {
			write("h", strings.Join(hyp.Names, ","), hyp.Body, hyp.Type)
		}
		write("c", g.Goal)
	}
	write("b", strconv.Itoa(s.Background))
	return hex.EncodeToString(h.Sum(nil))
}

// String renders the actionable goal in the prover's display layout.
func (s Snapshot) String() string {
	g, ok := s.Focused()
	if !ok {
		return "No more goals."
	}
	var b strings.Builder
	for _, h := range g.Hypotheses {
		b.WriteString(h.String())
		b.WriteByte('\n')
	}
	b.WriteString("============================\n")
	b.WriteString(g.Goal)
	return b.String()
}
