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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind Kind
		wantTag  string
		wantIDs  []int
		wantMsg  string
	}{
		{name: "ack", raw: "(Answer t1 Ack)", wantKind: KindAck, wantTag: "t1"},
		{name: "completed", raw: "(Answer t9 Completed)", wantKind: KindCompleted, wantTag: "t9"},
		{
			name:     "added",
			raw:      "(Answer t2 (Added 4 ((fname ToplevelInput) (line_nb 1) (bol_pos 0) (line_nb_last 1) (bol_pos_last 0) (bp 0) (ep 8)) NewTip))",
			wantKind: KindAck, wantTag: "t2", wantIDs: []int{4},
		},
		{
			name:     "canceled",
			raw:      "(Answer t3 (Canceled (4 5 6)))",
			wantKind: KindAck, wantTag: "t3", wantIDs: []int{4, 5, 6},
		},
		{
			name:     "exception with str",
			raw:      `(Answer t4 (CoqExn ((loc ()) (stm_ids ()) (backtrace (Backtrace ())) (exn (Failure "x")) (pp (Pp_string "ignored")) (str "Unable to unify."))))`,
			wantKind: KindError, wantTag: "t4", wantMsg: "Unable to unify.",
		},
		{
			name:     "legacy exception",
			raw:      `(Answer t5 (CoqExn () () (Backtrace ()) (ExplainErr (Pp_string "No such goal."))))`,
			wantKind: KindError, wantTag: "t5", wantMsg: "No such goal.",
		},
		{
			name:     "exception without text",
			raw:      `(Answer t6 (CoqExn (Stack_overflow)))`,
			wantKind: KindError, wantTag: "t6", wantMsg: "(CoqExn (Stack_overflow))",
		},
		{
			name:     "feedback",
			raw:      `(Feedback ((doc_id 0) (span_id 3) (route 0) (contents (Message (level Warning) (loc ()) (pp (Pp_empty)) (str "deprecated")))))`,
			wantKind: KindFeedback, wantMsg: "deprecated",
		},
		{name: "feedback processed", raw: "(Feedback ((doc_id 0) (span_id 3) (route 0) (contents Processed)))", wantKind: KindFeedback},
		{name: "unknown head", raw: "(Bogus 1)", wantKind: KindUnrecognized},
		{name: "unknown answer atom", raw: "(Answer t1 Nope)", wantKind: KindUnrecognized},
		{name: "unknown payload", raw: "(Answer t1 (Frob 1))", wantKind: KindUnrecognized},
		{name: "answer arity", raw: "(Answer t1)", wantKind: KindUnrecognized},
		{name: "bad sid", raw: "(Answer t1 (Added x () NewTip))", wantKind: KindUnrecognized},
		{name: "malformed", raw: "(Answer t1 (Added", wantKind: KindUnrecognized},
		{name: "empty", raw: "", wantKind: KindUnrecognized},
		{name: "unknown goal object", raw: "(Answer t1 (ObjList ((CoqAst x))))", wantKind: KindUnrecognized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseMessage(tt.raw)
			assert.Equal(t, tt.wantKind, got.Kind, "kind")
			assert.Equal(t, tt.raw, got.Raw)
			if tt.wantKind == KindUnrecognized {
				assert.NotEmpty(t, got.Message)
				return
			}
			assert.Equal(t, tt.wantTag, got.Tag)
			assert.Equal(t, tt.wantIDs, got.StateIDs)
			assert.Equal(t, tt.wantMsg, got.Message)
		})
	}
}

func TestParseMessageGoals(t *testing.T) {
	t.Run("no proof", func(t *testing.T) {
		got := ParseMessage("(Answer t1 (ObjList ()))")
		require.Equal(t, KindGoalState, got.Kind)
		assert.Equal(t, 0, got.Goals.Open())
	})

	t.Run("text", func(t *testing.T) {
		got := ParseMessage(`(Answer t1 (ObjList ((CoqString "\n  n : nat\n  ============================\n  n + 0 = n\n"))))`)
		require.Equal(t, KindGoalState, got.Kind)
		want := proofstate.Goals{Subgoals: []proofstate.Subgoal{{
			Hypotheses: []proofstate.Hypothesis{{Names: []string{"n"}, Type: "nat"}},
			Goal:       "n + 0 = n",
		}}}
		if diff := cmp.Diff(want, got.Goals); diff != "" {
			t.Fatalf("goals mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("structured", func(t *testing.T) {
		raw := `(Answer t1 (ObjList ((CoqGoal ((goals (((info ((evar (Ser_Evar 3)) (name ()))) (ty "P x") (hyp ((((Id x) (Id y)) () "A") (((Id k)) ("x") "A")))))) ` +
			`(stack (((((ty "Q"))) (((ty "R")))))) (shelf (((ty "S")))) (given_up ()) (bullet ()))))))`
		got := ParseMessage(raw)
		require.Equal(t, KindGoalState, got.Kind, got.Message)
		want := proofstate.Goals{
			Subgoals: []proofstate.Subgoal{{
				Hypotheses: []proofstate.Hypothesis{
					{Names: []string{"x", "y"}, Type: "A"},
					{Names: []string{"k"}, Body: "x", Type: "A"},
				},
				Goal: "P x",
			}},
			Background: 3,
		}
		if diff := cmp.Diff(want, got.Goals); diff != "" {
			t.Fatalf("goals mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("error is never an ack", func(t *testing.T) {
		got := ParseMessage(`(Answer t1 (CoqExn ((str "Added 3"))))`)
		assert.Equal(t, KindError, got.Kind)
		assert.Empty(t, got.StateIDs)
	})
}

func TestParseGoalText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []proofstate.Subgoal
	}{
		{name: "empty", text: "  \n", want: nil},
		{name: "none", text: "none", want: nil},
		{
			name: "no hypotheses",
			text: "\n  ============================\n  True\n",
			want: []proofstate.Subgoal{{Goal: "True"}},
		},
		{
			name: "definitions and shared names",
			text: "  a, b : nat\n  c := a + b : nat\n  H : a = b\n  ============================\n  c = b + b\n",
			want: []proofstate.Subgoal{{
				Hypotheses: []proofstate.Hypothesis{
					{Names: []string{"a", "b"}, Type: "nat"},
					{Names: []string{"c"}, Body: "a + b", Type: "nat"},
					{Names: []string{"H"}, Type: "a = b"},
				},
				Goal: "c = b + b",
			}},
		},
		{
			name: "continued hypothesis and multi-line goal",
			text: "  H : forall x,\n      x = x\n  ============================\n  forall y,\n  y = y\n",
			want: []proofstate.Subgoal{{
				Hypotheses: []proofstate.Hypothesis{{Names: []string{"H"}, Type: "forall x,\nx = x"}},
				Goal:       "forall y,\ny = y",
			}},
		},
		{
			name: "two full goals",
			text: "  n : nat\n  ============================\n  n = n\n\n  m : nat\n  ============================\n  True\n",
			want: []proofstate.Subgoal{
				{Hypotheses: []proofstate.Hypothesis{{Names: []string{"n"}, Type: "nat"}}, Goal: "n = n"},
				{Hypotheses: []proofstate.Hypothesis{{Names: []string{"m"}, Type: "nat"}}, Goal: "True"},
			},
		},
		{
			name: "abbreviated subgoals",
			text: "2 subgoals\n  n : nat\n  ============================\n  n = n\n\nsubgoal 2 (ID 7) is:\n True\n",
			want: []proofstate.Subgoal{
				{Hypotheses: []proofstate.Hypothesis{{Names: []string{"n"}, Type: "nat"}}, Goal: "n = n"},
				{Goal: "True"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseGoalText(tt.text)
			if diff := cmp.Diff(tt.want, got.Subgoals); diff != "" {
				t.Fatalf("subgoals mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, 0, got.Background)
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "ack", KindAck.String())
	assert.Equal(t, "goal_state", KindGoalState.String())
	assert.Equal(t, "error", KindError.String())
	assert.Equal(t, "completed", KindCompleted.String())
	assert.Equal(t, "feedback", KindFeedback.String())
	assert.Equal(t, "unrecognized", KindUnrecognized.String())
}
