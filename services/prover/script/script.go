// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package script splits proof scripts into sentences and groups them into
// vernacular blocks and proof blocks.
package script

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	// ErrUnterminatedComment indicates a comment still open at end of input.
	ErrUnterminatedComment = errors.New("script: unterminated comment")

	// ErrUnterminatedString indicates a string literal still open at end of input.
	ErrUnterminatedString = errors.New("script: unterminated string")

	// ErrTrailingText indicates text after the last sentence terminator.
	ErrTrailingText = errors.New("script: text after last sentence")

	// ErrUnterminatedProof indicates a proof with no closing command.
	ErrUnterminatedProof = errors.New("script: proof not closed")
)

// Sentence is one command of a script.
type Sentence struct {
	// Text is the command with comments removed, including its period.
	Text string

	// Line is the 1-based line the command starts on.
	Line int
}

// Split breaks src into sentences.
//
// Description:
//
//	A sentence ends at a period followed by whitespace or end of input.
//	Periods inside qualified names (Nat.add) or runs of periods (..) do
//	not end a sentence. Comments nest and are dropped. Strings use ""
//	as an escaped quote. Bullets (-, +, * and their repetitions) and
//	braces at the start of a sentence are sentences of their own.
func Split(src string) ([]Sentence, error) {
	var (
		out     []Sentence
		buf     strings.Builder
		line    = 1
		start   = 0
		content bool
	)
	rs := []rune(src)
	n := len(rs)

	flush := func() {
		text := strings.TrimSpace(buf.String())
		if text != "" {
			out = append(out, Sentence{Text: text, Line: start})
		}
		buf.Reset()
		start = 0
		content = false
	}
	mark := func() {
		if start == 0 {
			start = line
		}
		content = true
	}

	for i := 0; i < n; i++ {
		c := rs[i]

		if c == '(' && i+1 < n && rs[i+1] == '*' {
			depth := 1
			openLine := line
			i += 2
			for ; i < n && depth > 0; i++ {
				switch {
				case rs[i] == '\n':
					line++
				case rs[i] == '(' && i+1 < n && rs[i+1] == '*':
					depth++
					i++
				case rs[i] == '*' && i+1 < n && rs[i+1] == ')':
					depth--
					i++
				}
			}
			if depth > 0 {
				return nil, fmt.Errorf("%w: opened on line %d", ErrUnterminatedComment, openLine)
			}
			i--
			buf.WriteByte(' ')
			continue
		}

		if c == '\n' {
			line++
		}
		if isSpace(c) {
			buf.WriteRune(c)
			continue
		}

		atStart := !content
		if atStart && (c == '-' || c == '+' || c == '*') {
			mark()
			j := i
			for j < n && rs[j] == c {
				j++
			}
			buf.Reset()
			buf.WriteString(string(rs[i:j]))
			flush()
			i = j - 1
			continue
		}
		if atStart && (c == '{' || c == '}') {
			mark()
			buf.Reset()
			buf.WriteRune(c)
			flush()
			continue
		}

		mark()
		if c == '"' {
			openLine := line
			buf.WriteRune(c)
			closed := false
			for i++; i < n; i++ {
				buf.WriteRune(rs[i])
				if rs[i] == '\n' {
					line++
				}
				if rs[i] == '"' {
					if i+1 < n && rs[i+1] == '"' {
						i++
						buf.WriteRune(rs[i])
						continue
					}
					closed = true
					break
				}
			}
			if !closed {
				return nil, fmt.Errorf("%w: opened on line %d", ErrUnterminatedString, openLine)
			}
			continue
		}

		buf.WriteRune(c)
		if c == '.' && endsSentence(rs, i) {
			flush()
		}
	}

	if rest := strings.TrimSpace(buf.String()); rest != "" {
		return nil, fmt.Errorf("%w: %q", ErrTrailingText, abbreviate(rest))
	}
	return out, nil
}

// endsSentence reports whether the period at rs[i] terminates a sentence.
func endsSentence(rs []rune, i int) bool {
	if i > 0 && rs[i-1] == '.' {
		return false
	}
	if i+1 == len(rs) || isSpace(rs[i+1]) {
		return true
	}
	return rs[i+1] == '(' && i+2 < len(rs) && rs[i+2] == '*'
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\v'
}

var (
	attributes = `(?:(?:Local|Global|Polymorphic|Monomorphic|Program|#\[[^\]]*\])\s+)*`

	theoremPattern = regexp.MustCompile(`^` + attributes +
		`(Theorem|Lemma|Remark|Fact|Corollary|Proposition|Property|Goal)\b`)
	definitionPattern = regexp.MustCompile(`^` + attributes +
		`(Definition|Example|Instance|Fixpoint|CoFixpoint|Let)\b`)
	proofEndPattern = regexp.MustCompile(`^(Qed|Defined|Admitted|Abort|Save)\b`)
	namePattern     = regexp.MustCompile(`^` + attributes + `\w+\s+([A-Za-z_][\w']*)`)
)

// IsObligation reports whether s opens a proof. Theorem-like statements
// always do. Definition-like statements do when they carry no body.
func IsObligation(s string) bool {
	s = strings.TrimSpace(s)
	if theoremPattern.MatchString(s) {
		return true
	}
	return definitionPattern.MatchString(s) && !strings.Contains(s, ":=")
}

// IsProofEnd reports whether s closes a proof.
func IsProofEnd(s string) bool {
	return proofEndPattern.MatchString(strings.TrimSpace(s))
}

// IsAbandon reports whether s closes a proof without a proof term.
func IsAbandon(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "Admitted") || strings.HasPrefix(s, "Abort")
}

// BlockKind distinguishes the two block kinds.
type BlockKind int

const (
	// Vernac is a run of commands outside any proof.
	Vernac BlockKind = iota

	// Proof is a statement, its proof script and the closing command.
	Proof
)

func (k BlockKind) String() string {
	if k == Proof {
		return "proof"
	}
	return "vernac"
}

// Block is a contiguous run of sentences.
type Block struct {
	Kind      BlockKind
	Sentences []Sentence
}

// Statement returns the opening sentence of a proof block.
func (b Block) Statement() Sentence { return b.Sentences[0] }

// Body returns the sentences between statement and closing command.
func (b Block) Body() []Sentence {
	if b.Kind != Proof || len(b.Sentences) < 2 {
		return nil
	}
	return b.Sentences[1 : len(b.Sentences)-1]
}

// End returns the closing sentence of a proof block.
func (b Block) End() Sentence { return b.Sentences[len(b.Sentences)-1] }

// Name returns the declared name of a proof block. Anonymous goals are
// named after their line.
func (b Block) Name() string {
	if b.Kind != Proof {
		return ""
	}
	stmt := b.Statement()
	if m := theoremPattern.FindStringSubmatch(stmt.Text); m != nil && m[1] == "Goal" {
		return fmt.Sprintf("Goal@%d", stmt.Line)
	}
	if m := namePattern.FindStringSubmatch(stmt.Text); m != nil {
		return m[1]
	}
	return fmt.Sprintf("Goal@%d", stmt.Line)
}

// Texts returns the sentence texts of the block.
func (b Block) Texts() []string {
	out := make([]string, len(b.Sentences))
	for i, s := range b.Sentences {
		out[i] = s.Text
	}
	return out
}

// Blocks groups sentences into vernacular and proof blocks.
func Blocks(sentences []Sentence) ([]Block, error) {
	var (
		out []Block
		cur []Sentence
	)
	for i := 0; i < len(sentences); i++ {
		s := sentences[i]
		if !IsObligation(s.Text) {
			cur = append(cur, s)
			continue
		}
		if len(cur) > 0 {
			out = append(out, Block{Kind: Vernac, Sentences: cur})
			cur = nil
		}
		j := i + 1
		for j < len(sentences) && !IsProofEnd(sentences[j].Text) {
			j++
		}
		if j == len(sentences) {
			return nil, fmt.Errorf("%w: %q on line %d", ErrUnterminatedProof, abbreviate(s.Text), s.Line)
		}
		out = append(out, Block{Kind: Proof, Sentences: sentences[i : j+1]})
		i = j
	}
	if len(cur) > 0 {
		out = append(out, Block{Kind: Vernac, Sentences: cur})
	}
	return out, nil
}

// Parse splits and groups src.
func Parse(src string) ([]Block, error) {
	sentences, err := Split(src)
	if err != nil {
		return nil, err
	}
	return Blocks(sentences)
}

// ParseFile reads and parses the script at path.
func ParseFile(path string) ([]Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	blocks, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return blocks, nil
}

func abbreviate(s string) string {
	const limit = 60
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
