// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sexp reads and prints the s-expressions spoken by sertop.
//
// The dialect is the one produced by OCaml's Sexplib: atoms, double-quoted
// strings with OCaml escapes, and parenthesised lists. Nothing else is
// accepted; anything the reader cannot decode is returned as an error so
// callers can classify the message as unrecognized instead of guessing.
package sexp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors returned by Parse.
var (
	// ErrEmpty indicates the input contained no expression.
	ErrEmpty = errors.New("sexp: empty input")

	// ErrUnbalanced indicates a missing or extra parenthesis.
	ErrUnbalanced = errors.New("sexp: unbalanced parentheses")

	// ErrUnterminated indicates a string literal without a closing quote.
	ErrUnterminated = errors.New("sexp: unterminated string")

	// ErrTrailing indicates data after the first complete expression.
	ErrTrailing = errors.New("sexp: trailing data after expression")
)

// Kind discriminates the three node shapes.
type Kind int

const (
	// KindAtom is a bare token such as Answer or 42.
	KindAtom Kind = iota

	// KindString is a double-quoted string; Value holds the decoded text.
	KindString

	// KindList is a parenthesised list of nodes.
	KindList
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAtom:
		return "atom"
	case KindString:
		return "string"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Node is one parsed s-expression.
//
// Nodes are plain values. Copying a Node shares the List backing array, so
// treat parsed trees as read-only.
type Node struct {
	Kind  Kind
	Value string
	List  []Node
}

// Atom builds an atom node.
func Atom(v string) Node { return Node{Kind: KindAtom, Value: v} }

// Str builds a string node.
func Str(v string) Node { return Node{Kind: KindString, Value: v} }

// List builds a list node.
func List(items ...Node) Node {
	if items == nil {
		items = []Node{}
	}
	return Node{Kind: KindList, List: items}
}

// IsAtom reports whether n is the atom v.
func (n Node) IsAtom(v string) bool {
	return n.Kind == KindAtom && n.Value == v
}

// IsList reports whether n is a list.
func (n Node) IsList() bool { return n.Kind == KindList }

// IsNil reports whether n is the empty list "()".
func (n Node) IsNil() bool { return n.Kind == KindList && len(n.List) == 0 }

// Len returns the number of list elements, or 0 for atoms and strings.
func (n Node) Len() int {
	if n.Kind != KindList {
		return 0
	}
	return len(n.List)
}

// At returns the i-th list element.
func (n Node) At(i int) (Node, bool) {
	if n.Kind != KindList || i < 0 || i >= len(n.List) {
		return Node{}, false
	}
	return n.List[i], true
}

// Head returns the atom at position 0 of a list, or "".
func (n Node) Head() string {
	first, ok := n.At(0)
	if !ok || first.Kind != KindAtom {
		return ""
	}
	return first.Value
}

// Field looks up a record field in a Sexplib record encoding.
//
// Description:
//
//	Records are printed as ((name value) (name value) ...). Field returns the
//	value of the first pair whose head is name. A pair with more than one
//	value returns those values wrapped in a list.
//
// Inputs:
//
//	name - The field name.
//
// Outputs:
//
//	Node - The field value.
//	bool - False if n is not a list or has no such field.
func (n Node) Field(name string) (Node, bool) {
	if n.Kind != KindList {
		return Node{}, false
	}
	for _, item := range n.List {
		if item.Kind != KindList || len(item.List) < 2 || !item.List[0].IsAtom(name) {
			continue
		}
		if len(item.List) == 2 {
			return item.List[1], true
		}
		return List(item.List[1:]...), true
	}
	return Node{}, false
}

// Find walks the tree depth-first and returns the first node matching pred.
func (n Node) Find(pred func(Node) bool) (Node, bool) {
	if pred(n) {
		return n, true
	}
	for _, child := range n.List {
		if found, ok := child.Find(pred); ok {
			return found, true
		}
	}
	return Node{}, false
}

// String renders n in sertop input syntax.
func (n Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n Node) write(b *strings.Builder) {
	switch n.Kind {
	case KindAtom:
		b.WriteString(n.Value)
	case KindString:
		b.WriteString(Quote(n.Value))
	case KindList:
		b.WriteByte('(')
		for i, item := range n.List {
			if i > 0 {
				b.WriteByte(' ')
			}
			item.write(b)
		}
		b.WriteByte(')')
	}
}

// Quote returns s as an escaped double-quoted string literal.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&b, "\\%03d", c)
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// Parse decodes exactly one expression from input.
//
// Description:
//
//	Leading and trailing whitespace is ignored. Any other trailing data is
//	an error (ErrTrailing), as is an empty input (ErrEmpty).
//
// Inputs:
//
//	input - The raw expression text.
//
// Outputs:
//
//	Node - The decoded tree.
//	error - Non-nil if the input is not exactly one well-formed expression.
func Parse(input string) (Node, error) {
	p := parser{src: input}
	p.skipSpace()
	if p.eof() {
		return Node{}, ErrEmpty
	}
	n, err := p.parseNode()
	if err != nil {
		return Node{}, err
	}
	p.skipSpace()
	if !p.eof() {
		return Node{}, fmt.Errorf("%w at offset %d", ErrTrailing, p.pos)
	}
	return n, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) skipSpace() {
	for !p.eof() && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *parser) parseNode() (Node, error) {
	switch c := p.src[p.pos]; c {
	case '(':
		p.pos++
		items := []Node{}
		for {
			p.skipSpace()
			if p.eof() {
				return Node{}, fmt.Errorf("%w: missing ')'", ErrUnbalanced)
			}
			if p.src[p.pos] == ')' {
				p.pos++
				return List(items...), nil
			}
			item, err := p.parseNode()
			if err != nil {
				return Node{}, err
			}
			items = append(items, item)
		}
	case ')':
		return Node{}, fmt.Errorf("%w: unexpected ')' at offset %d", ErrUnbalanced, p.pos)
	case '"':
		s, err := p.parseString()
		if err != nil {
			return Node{}, err
		}
		return Str(s), nil
	default:
		start := p.pos
		for !p.eof() && !isDelimiter(p.src[p.pos]) {
			p.pos++
		}
		return Atom(p.src[start:p.pos]), nil
	}
}

// parseString decodes an OCaml string literal starting at the opening quote.
func (p *parser) parseString() (string, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for {
		if p.eof() {
			return "", ErrUnterminated
		}
		c := p.src[p.pos]
		switch c {
		case '"':
			p.pos++
			return b.String(), nil
		case '\\':
			if err := p.parseEscape(&b); err != nil {
				return "", err
			}
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
}

func (p *parser) parseEscape(b *strings.Builder) error {
	p.pos++ // backslash
	if p.eof() {
		return ErrUnterminated
	}
	c := p.src[p.pos]
	switch c {
	case 'n':
		b.WriteByte('\n')
	case 't':
		b.WriteByte('\t')
	case 'r':
		b.WriteByte('\r')
	case 'b':
		b.WriteByte('\b')
	case '\\', '"', '\'', ' ':
		b.WriteByte(c)
	case '\n':
		// line continuation: skip the newline and the next line's indentation
		p.pos++
		for !p.eof() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
			p.pos++
		}
		return nil
	case 'x':
		if p.pos+2 < len(p.src) {
			if v, err := strconv.ParseUint(p.src[p.pos+1:p.pos+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				p.pos += 3
				return nil
			}
		}
		b.WriteString(`\x`)
	default:
		if isDigit(c) && p.pos+2 < len(p.src) && isDigit(p.src[p.pos+1]) && isDigit(p.src[p.pos+2]) {
			v, err := strconv.ParseUint(p.src[p.pos:p.pos+3], 10, 16)
			if err == nil && v < 256 {
				b.WriteByte(byte(v))
				p.pos += 3
				return nil
			}
		}
		// Sexplib keeps unknown escapes verbatim.
		b.WriteByte('\\')
		b.WriteByte(c)
	}
	p.pos++
	return nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r' || c == '\f'
}

func isDelimiter(c byte) bool {
	return isSpace(c) || c == '(' || c == ')' || c == '"'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
