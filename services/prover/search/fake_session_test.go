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
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
	"github.com/AleutianAI/AleutianProver/services/prover/serapi"
)

// rules maps a focused goal and a tactic to the goals replacing it.
type rules map[string]map[string][]string

type fakeEntry struct {
	command    string
	goals      []string
	inProof    bool
	obligation bool
}

// fakeSession is an in-memory prover. A statement "Lemma n : G." opens a
// proof of goal G; tactics rewrite the focused goal through rules.
type fakeSession struct {
	rules   rules
	history []fakeEntry

	submits          []string
	obligationDepths []int
	cancels          int

	hangOn      string
	broken      bool
	cancelShort bool
	dirty       bool
}

func newFakeSession(r rules) *fakeSession {
	return &fakeSession{rules: r}
}

func (f *fakeSession) top() (fakeEntry, bool) {
	if len(f.history) == 0 {
		return fakeEntry{}, false
	}
	return f.history[len(f.history)-1], true
}

func (f *fakeSession) reject(cmd, msg string) error {
	return &serapi.StepError{Command: cmd, Message: msg}
}

func (f *fakeSession) Submit(_ context.Context, cmd string) (proofstate.Snapshot, error) {
	if f.broken {
		return proofstate.Snapshot{}, serapi.ErrSessionBroken
	}
	f.submits = append(f.submits, cmd)
	if f.hangOn != "" && cmd == f.hangOn {
		f.broken = true
		return proofstate.Snapshot{}, fmt.Errorf("%w: %s", serapi.ErrTimedOut, cmd)
	}

	cur, _ := f.top()
	switch {
	case strings.HasPrefix(cmd, "Lemma "):
		if cur.inProof {
			return proofstate.Snapshot{}, f.reject(cmd, "Nested proofs are not allowed.")
		}
		_, stmt, ok := strings.Cut(cmd, " : ")
		stmt = strings.TrimSuffix(strings.TrimSpace(stmt), ".")
		if !ok || stmt == "" {
			return proofstate.Snapshot{}, f.reject(cmd, "Syntax error.")
		}
		f.obligationDepths = append(f.obligationDepths, len(f.history))
		f.history = append(f.history, fakeEntry{command: cmd, goals: []string{stmt}, inProof: true, obligation: true})
	case !cur.inProof:
		if !strings.HasPrefix(cmd, "Definition ") {
			return proofstate.Snapshot{}, f.reject(cmd, "No focused proof.")
		}
		f.history = append(f.history, fakeEntry{command: cmd})
	case cmd == "Unshelve.":
		f.history = append(f.history, fakeEntry{command: cmd, goals: cur.goals, inProof: true})
	case cmd == "Qed.":
		if len(cur.goals) > 0 {
			return proofstate.Snapshot{}, f.reject(cmd, "Attempt to save an incomplete proof.")
		}
		f.history = append(f.history, fakeEntry{command: cmd})
	default:
		if len(cur.goals) == 0 {
			return proofstate.Snapshot{}, f.reject(cmd, "No such goal.")
		}
		next, ok := f.rules[cur.goals[0]][cmd]
		if !ok {
			return proofstate.Snapshot{}, f.reject(cmd, "Tactic failure.")
		}
		goals := append(append([]string{}, next...), cur.goals[1:]...)
		f.history = append(f.history, fakeEntry{command: cmd, goals: goals, inProof: true})
	}
	return f.CurrentSnapshot(), nil
}

func (f *fakeSession) CancelLast(_ context.Context, n int) error {
	if f.broken {
		return serapi.ErrSessionBroken
	}
	if n < 0 || n > len(f.history) {
		return fmt.Errorf("%w: %d of %d", serapi.ErrHistoryUnderflow, n, len(f.history))
	}
	f.cancels++
	if f.cancelShort && n > 0 {
		n--
	}
	f.history = f.history[:len(f.history)-n]
	return nil
}

func (f *fakeSession) AbortProof(ctx context.Context) error {
	for i := len(f.history) - 1; i >= 0 && f.history[i].inProof; i-- {
		if f.history[i].obligation {
			return f.CancelLast(ctx, len(f.history)-i)
		}
	}
	return nil
}

func (f *fakeSession) Depth() int { return len(f.history) }

func (f *fakeSession) CurrentSnapshot() proofstate.Snapshot {
	var snap proofstate.Snapshot
	if f.dirty && f.cancels > 0 {
		snap.Background = 1
	}
	cur, ok := f.top()
	if !ok || !cur.inProof {
		return snap
	}
	for _, g := range cur.goals {
		snap.Subgoals = append(snap.Subgoals, proofstate.Subgoal{Goal: g})
	}
	start := len(f.history) - 1
	for start > 0 && !f.history[start].obligation {
		start--
	}
	for _, e := range f.history[start+1:] {
		snap.PrevTactics = append(snap.PrevTactics, e.command)
	}
	return snap
}

func (f *fakeSession) commands() []string {
	out := make([]string, len(f.history))
	for i, e := range f.history {
		out[i] = e.command
	}
	return out
}
