// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(ss []Sentence) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.Text
	}
	return out
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{name: "empty", src: "  \n\t", want: []string{}},
		{name: "simple", src: "Require Import Arith.\nLemma a : True.\nProof. exact I. Qed.", want: []string{
			"Require Import Arith.", "Lemma a : True.", "Proof.", "exact I.", "Qed.",
		}},
		{name: "qualified names", src: "Check Nat.add.\nrewrite Nat.add_0_r.", want: []string{
			"Check Nat.add.", "rewrite Nat.add_0_r.",
		}},
		{name: "double period", src: "Notation \"[ x ; .. ; y ]\" := (cons x .. (cons y nil) ..).\n", want: []string{
			"Notation \"[ x ; .. ; y ]\" := (cons x .. (cons y nil) ..).",
		}},
		{name: "nested comments", src: "(* a (* b. *) c. *) intros. (* trailing. *)", want: []string{"intros."}},
		{name: "comment inside sentence", src: "apply (* which? *) H.", want: []string{"apply   H."}},
		{name: "period before comment", src: "intros.(* done *)auto.", want: []string{"intros.", "auto."}},
		{name: "strings", src: `Definition s := "a. b "" c.". idtac.`, want: []string{`Definition s := "a. b "" c.".`, "idtac."}},
		{name: "bullets", src: "split.\n- auto.\n+ exact I.\n** reflexivity.\n--- trivial.", want: []string{
			"split.", "-", "auto.", "+", "exact I.", "**", "reflexivity.", "---", "trivial.",
		}},
		{name: "braces", src: "split. { auto. } { exact I. }", want: []string{
			"split.", "{", "auto.", "}", "{", "exact I.", "}",
		}},
		{name: "operators mid sentence", src: "rewrite H in *. assert (x - 1 = y + 2) by lia.", want: []string{
			"rewrite H in *.", "assert (x - 1 = y + 2) by lia.",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(tt.src)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, texts(got)); diff != "" {
				t.Fatalf("sentences mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSplitLines(t *testing.T) {
	got, err := Split("(* header\n   comment *)\nLemma a :\n  True.\n\nProof.\n  exact I.\nQed.\n")
	require.NoError(t, err)
	var lines []int
	for _, s := range got {
		lines = append(lines, s.Line)
	}
	assert.Equal(t, []int{3, 6, 7, 8}, lines)
	assert.Equal(t, "Lemma a :\n  True.", got[0].Text)
}

func TestSplitErrors(t *testing.T) {
	_, err := Split("intros. (* open (* nested *)")
	assert.ErrorIs(t, err, ErrUnterminatedComment)

	_, err = Split(`Definition s := "open.`)
	assert.ErrorIs(t, err, ErrUnterminatedString)

	_, err = Split("intros. auto")
	assert.ErrorIs(t, err, ErrTrailingText)
}

func TestIsObligation(t *testing.T) {
	yes := []string{
		"Lemma a : True.",
		"Theorem plus_0 : forall n, n + 0 = n.",
		"Goal True.",
		"Local Lemma b : True.",
		"#[global] Instance i : Foo.",
		"Definition d : nat.",
		"Example e : 1 = 1.",
		"Corollary c: True.",
	}
	no := []string{
		"Definition d := 1.",
		"Fixpoint f (n : nat) : nat := n.",
		"Require Import Arith.",
		"Lemmas are great.",
		"intros.",
		"Proof.",
	}
	for _, s := range yes {
		assert.True(t, IsObligation(s), s)
	}
	for _, s := range no {
		assert.False(t, IsObligation(s), s)
	}

	assert.True(t, IsProofEnd("Qed."))
	assert.True(t, IsProofEnd("Defined."))
	assert.True(t, IsProofEnd("Abort All."))
	assert.False(t, IsProofEnd("Qedx."))
	assert.True(t, IsAbandon("Admitted."))
	assert.False(t, IsAbandon("Qed."))
}

func TestBlocks(t *testing.T) {
	src := `Require Import Arith.
Definition two := 2.
Lemma a : True.
Proof.
  exact I.
Qed.
Goal 1 = 1.
  reflexivity.
Defined.
Check a.
`
	blocks, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, blocks, 4)

	assert.Equal(t, Vernac, blocks[0].Kind)
	assert.Equal(t, []string{"Require Import Arith.", "Definition two := 2."}, blocks[0].Texts())

	assert.Equal(t, Proof, blocks[1].Kind)
	assert.Equal(t, "a", blocks[1].Name())
	assert.Equal(t, "Lemma a : True.", blocks[1].Statement().Text)
	assert.Equal(t, []string{"Proof.", "exact I."}, texts(blocks[1].Body()))
	assert.Equal(t, "Qed.", blocks[1].End().Text)

	assert.Equal(t, "Goal@7", blocks[2].Name())
	assert.Equal(t, "Defined.", blocks[2].End().Text)

	assert.Equal(t, Vernac, blocks[3].Kind)
	assert.Empty(t, blocks[3].Name())
	assert.Equal(t, "vernac", Vernac.String())
	assert.Equal(t, "proof", Proof.String())
}

func TestBlocksUnterminated(t *testing.T) {
	_, err := Parse("Lemma a : True.\nProof.\nexact I.\n")
	assert.ErrorIs(t, err, ErrUnterminatedProof)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.v")
	require.NoError(t, os.WriteFile(path, []byte("Lemma a : True.\nexact I.\nQed.\n"), 0o644))
	blocks, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "a", blocks[0].Name())

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.v"))
	assert.Error(t, err)
}
