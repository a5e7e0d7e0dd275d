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

import "slices"

// frontier is a FIFO queue of command sequences. Element 0 of every
// sequence is the obligation.
type frontier struct {
	items [][]string
	head  int
}

func newFrontier(root []string) *frontier {
	return &frontier{items: [][]string{root}}
}

func (f *frontier) Len() int { return len(f.items) - f.head }

func (f *frontier) push(seq []string) { f.items = append(f.items, seq) }

func (f *frontier) pop() ([]string, bool) {
	if f.Len() == 0 {
		return nil, false
	}
	seq := f.items[f.head]
	f.items[f.head] = nil
	f.head++
	// compact once the consumed prefix dominates
	if f.head > 64 && f.head*2 > len(f.items) {
		f.items = slices.Clone(f.items[f.head:])
		f.head = 0
	}
	return seq, true
}

// extend returns seq followed by step without aliasing seq.
func extend(seq []string, step string) []string {
	return append(slices.Clip(seq), step)
}
