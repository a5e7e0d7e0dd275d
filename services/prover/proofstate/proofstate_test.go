// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proofstate

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Snapshot {
	return Snapshot{
		PrevTactics: []string{"intros n m."},
		Subgoals: []Subgoal{
			{
				Hypotheses: []Hypothesis{
					{Names: []string{"n", "m"}, Type: "nat"},
					{Names: []string{"k"}, Body: "n + m", Type: "nat"},
				},
				Goal: "n + m = m + n",
			},
			{Goal: "True"},
		},
		Background: 1,
	}
}

func TestSnapshotAccessors(t *testing.T) {
	s := sample()
	assert.Equal(t, 3, s.Open())
	assert.True(t, s.InProof())
	assert.Equal(t, "n + m = m + n", s.Goal())

	focused, ok := s.Focused()
	require.True(t, ok)
	assert.Len(t, focused.Hypotheses, 2)

	assert.Equal(t, map[string]string{
		"n": "nat",
		"m": "nat",
		"k": "n + m : nat",
	}, s.HypothesisMap())

	var empty Snapshot
	assert.False(t, empty.InProof())
	assert.Equal(t, "", empty.Goal())
	assert.Empty(t, empty.HypothesisMap())
	assert.Equal(t, "No more goals.", empty.String())
}

func TestSnapshotBackgroundOnly(t *testing.T) {
	s := Snapshot{Background: 2}
	assert.True(t, s.InProof())
	_, ok := s.Focused()
	assert.False(t, ok)
}

func TestSnapshotClone(t *testing.T) {
	s := sample()
	c := s.Clone()
	if diff := cmp.Diff(s, c); diff != "" {
		t.Fatalf("clone differs (-want +got):\n%s", diff)
	}

	c.PrevTactics[0] = "changed."
	c.Subgoals[0].Hypotheses[0].Names[0] = "z"
	c.Subgoals[1].Goal = "False"

	assert.Equal(t, "intros n m.", s.PrevTactics[0])
	assert.Equal(t, "n", s.Subgoals[0].Hypotheses[0].Names[0])
	assert.Equal(t, "True", s.Subgoals[1].Goal)
}

func TestSnapshotEqualAndKey(t *testing.T) {
	a := sample()
	b := sample()
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())

	b.Background = 0
	assert.False(t, a.Equal(b))
	assert.NotEqual(t, a.Key(), b.Key())

	c := sample()
	c.Subgoals[0].Hypotheses[1].Body = ""
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.Key(), c.Key())

	d := sample()
	d.PrevTactics = append(d.PrevTactics, "simpl.")
	assert.False(t, a.Equal(d))

	// nil and empty are the same context
	assert.True(t, Snapshot{}.Equal(Snapshot{PrevTactics: []string{}, Subgoals: []Subgoal{}}))
	assert.Equal(t, Snapshot{}.Key(), Snapshot{PrevTactics: []string{}}.Key())
}

func TestSnapshotString(t *testing.T) {
	want := "n, m : nat\nk := n + m : nat\n============================\nn + m = m + n"
	assert.Equal(t, want, sample().String())
}
