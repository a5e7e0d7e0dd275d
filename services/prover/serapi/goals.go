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
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
	"github.com/AleutianAI/AleutianProver/services/prover/sexp"
)

var (
	hypLinePattern   = regexp.MustCompile(`^([A-Za-z_][\w']*(?:\s*,\s*[A-Za-z_][\w']*)*)\s*(:=|:)\s*(.*)$`)
	goalMarkPattern  = regexp.MustCompile(`^(?:sub)?goal\s+\d+(?:\s*\(ID\s+\d+\))?\s+is:\s*(.*)$`)
	goalCountPattern = regexp.MustCompile(`^\d+\s+(?:sub)?goals?\b`)
)

// decodeGoals reads the object list of a goals query.
//
// An empty list means no proof is open. Only the first object is used.
func decodeGoals(objs sexp.Node) (proofstate.Goals, error) {
	if objs.Len() == 0 {
		return proofstate.Goals{}, nil
	}
	obj, _ := objs.At(0)
	switch obj.Head() {
	case "CoqString":
		text, ok := obj.At(1)
		if !ok || text.Kind != sexp.KindString {
			return proofstate.Goals{}, errors.New("CoqString without text")
		}
		return ParseGoalText(text.Value), nil
	case "CoqGoal", "CoqExtGoal":
		record, ok := obj.At(1)
		if !ok || !record.IsList() {
			return proofstate.Goals{}, fmt.Errorf("%s without record", obj.Head())
		}
		return parseGoalRecord(record)
	}
	return proofstate.Goals{}, fmt.Errorf("unexpected goal object %q", obj.Head())
}

// =============================================================================
// TEXT GOALS
// =============================================================================

// ParseGoalText decodes goals printed by the prover.
//
// Description:
//
//	Each goal is a block of hypothesis lines, a line of "=" signs and the
//	conclusion. Additional goals are either printed the same way after a
//	blank line or abbreviated as "subgoal N is:" followed by the
//	conclusion. Hypothesis lines that do not start with "name :" continue
//	the previous hypothesis. Blank or "none" text means no goals.
//
// Inputs:
//
//	text - The CoqString payload.
//
// Outputs:
//
//	proofstate.Goals - Focused goals in order. Background is always 0.
func ParseGoalText(text string) proofstate.Goals {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed == "none" || strings.HasPrefix(trimmed, "No more goals") {
		return proofstate.Goals{}
	}

	var (
		goals   []proofstate.Subgoal
		pending []string // lines before a separator
		concl   []string // conclusion of the last goal
		inConcl bool
	)
	flushConcl := func() {
		if len(goals) > 0 && len(concl) > 0 {
			last := &goals[len(goals)-1]
			last.Goal = joinLines(append([]string{last.Goal}, concl...))
		}
		concl = nil
	}

	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		switch {
		case isSeparator(t):
			flushConcl()
			goals = append(goals, proofstate.Subgoal{Hypotheses: parseHypotheses(pending)})
			pending = nil
			inConcl = true
		case goalMarkPattern.MatchString(t):
			flushConcl()
			if len(pending) > 0 && len(goals) > 0 {
				last := &goals[len(goals)-1]
				last.Goal = joinLines(append([]string{last.Goal}, pending...))
			}
			pending = nil
			m := goalMarkPattern.FindStringSubmatch(t)
			goals = append(goals, proofstate.Subgoal{Goal: m[1]})
			inConcl = true
		case t == "":
			if inConcl {
				flushConcl()
				inConcl = false
			}
		case inConcl:
			concl = append(concl, t)
		default:
			pending = append(pending, t)
		}
	}
	flushConcl()
	if len(pending) > 0 && len(goals) > 0 {
		last := &goals[len(goals)-1]
		last.Goal = joinLines(append([]string{last.Goal}, pending...))
	}
	return proofstate.Goals{Subgoals: goals}
}

func isSeparator(line string) bool {
	return len(line) >= 4 && strings.Trim(line, "=") == ""
}

func joinLines(lines []string) string {
	var kept []string
	for _, l := range lines {
		if l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

func parseHypotheses(lines []string) []proofstate.Hypothesis {
	var out []proofstate.Hypothesis
	for _, line := range lines {
		if goalCountPattern.MatchString(line) {
			continue
		}
		m := hypLinePattern.FindStringSubmatch(line)
		if m == nil {
			if len(out) > 0 {
				last := &out[len(out)-1]
				if last.Type != "" {
					last.Type += "\n" + line
				} else {
					last.Body += "\n" + line
				}
			}
			continue
		}
		names := strings.Split(m[1], ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
		h := proofstate.Hypothesis{Names: names}
		if m[2] == ":=" {
			h.Body, h.Type = splitDefinition(m[3])
		} else {
			h.Type = m[3]
		}
		out = append(out, h)
	}
	return out
}

// splitDefinition splits "body : type" at the last top-level " : ".
func splitDefinition(s string) (body, typ string) {
	depth := 0
	split := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ':':
			if depth == 0 && i > 0 && s[i-1] == ' ' && i+1 < len(s) && s[i+1] == ' ' {
				split = i
			}
		}
	}
	if split < 0 {
		return strings.TrimSpace(s), ""
	}
	return strings.TrimSpace(s[:split]), strings.TrimSpace(s[split+1:])
}

// =============================================================================
// STRUCTURED GOALS
// =============================================================================

// parseGoalRecord decodes ((goals (...)) (stack (...)) (shelf (...))
// (given_up (...)) ...).
func parseGoalRecord(record sexp.Node) (proofstate.Goals, error) {
	var out proofstate.Goals

	if goals, ok := record.Field("goals"); ok {
		for _, g := range goals.List {
			sg, err := parseStructuredGoal(g)
			if err != nil {
				return proofstate.Goals{}, err
			}
			out.Subgoals = append(out.Subgoals, sg)
		}
	}

	// stack is a list of (before after) pairs of goal lists
	if stack, ok := record.Field("stack"); ok {
		for _, frame := range stack.List {
			for _, side := range frame.List {
				out.Background += side.Len()
			}
		}
	}
	for _, name := range []string{"shelf", "given_up"} {
		if l, ok := record.Field(name); ok {
			out.Background += l.Len()
		}
	}
	return out, nil
}

// parseStructuredGoal reads ((info ...) (ty T) (hyp (((names) (body) T)...))).
func parseStructuredGoal(g sexp.Node) (proofstate.Subgoal, error) {
	ty, ok := g.Field("ty")
	if !ok {
		return proofstate.Subgoal{}, errors.New("goal without ty")
	}
	sg := proofstate.Subgoal{Goal: render(ty)}

	hyps, _ := g.Field("hyp")
	for _, h := range hyps.List {
		if h.Len() != 3 {
			return proofstate.Subgoal{}, errors.New("hypothesis arity")
		}
		namesNode, _ := h.At(0)
		bodyNode, _ := h.At(1)
		typeNode, _ := h.At(2)

		hyp := proofstate.Hypothesis{Type: render(typeNode)}
		for _, n := range namesNode.List {
			hyp.Names = append(hyp.Names, identName(n))
		}
		if b, ok := bodyNode.At(0); ok {
			hyp.Body = render(b)
		}
		sg.Hypotheses = append(sg.Hypotheses, hyp)
	}
	return sg, nil
}

// identName reads (Id n), a bare atom or a string.
func identName(n sexp.Node) string {
	if n.Head() == "Id" {
		v, _ := n.At(1)
		return v.Value
	}
	if n.IsList() {
		return n.String()
	}
	return n.Value
}

// render returns printed text for a term: a string as-is, (CoqString s) as
// s, anything else as its s-expression.
func render(n sexp.Node) string {
	switch {
	case n.Kind == sexp.KindString:
		return n.Value
	case n.Head() == "CoqString" || n.Head() == "CoqPp":
		if v, ok := n.At(1); ok && v.Kind == sexp.KindString {
			return v.Value
		}
	}
	if n.Kind == sexp.KindAtom {
		return n.Value
	}
	return n.String()
}
