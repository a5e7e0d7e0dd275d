// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sexp

import (
	"bufio"
	"io"
	"strings"
)

// Reader splits a byte stream into top-level expressions.
//
// Description:
//
//	sertop normally prints one answer per line, but pretty printers break
//	long answers across lines. Reader tracks parenthesis depth and string
//	state so a message is returned only once it is complete. It does not
//	decode the expression; pass the result to Parse.
//
// Thread Safety:
//
//	Not safe for concurrent use. Owned by the protocol read loop.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the raw text of the next top-level expression.
//
// Outputs:
//
//	string - The expression text without surrounding whitespace.
//	error - io.EOF when the stream ends between expressions,
//	        io.ErrUnexpectedEOF when it ends inside one.
func (r *Reader) Next() (string, error) {
	var (
		b        strings.Builder
		depth    int
		inString bool
		escaped  bool
		started  bool
	)
	for {
		c, err := r.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if !started {
					return "", io.EOF
				}
				if depth == 0 && !inString {
					return b.String(), nil
				}
				return b.String(), io.ErrUnexpectedEOF
			}
			return b.String(), err
		}

		if !started {
			if isSpace(c) {
				continue
			}
			started = true
		}

		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				if depth == 0 {
					return b.String(), nil
				}
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case '(':
			depth++
			b.WriteByte(c)
		case ')':
			depth--
			b.WriteByte(c)
			if depth <= 0 {
				return b.String(), nil
			}
		default:
			if isSpace(c) && depth == 0 {
				// end of a bare top-level atom
				return b.String(), nil
			}
			b.WriteByte(c)
		}
	}
}
