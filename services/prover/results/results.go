// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package results holds per-obligation outcomes and their aggregation.
package results

import (
	"sort"
	"time"
)

// Outcome labels what happened to one obligation.
type Outcome string

const (
	// Succeeded: the search found a proof and it was committed.
	Succeeded Outcome = "succeeded"

	// Exhausted: the bounded search space held no proof.
	Exhausted Outcome = "exhausted"

	// Aborted: the search stopped early (timeout, cancellation, oracle).
	Aborted Outcome = "aborted"

	// Skipped: the obligation was never searched because its file faulted.
	Skipped Outcome = "skipped"

	// Replayed: the statement turned out not to open a proof and was
	// replayed as written.
	Replayed Outcome = "replayed"
)

// Record is the result of one obligation.
type Record struct {
	RunID      string        `json:"run_id"`
	File       string        `json:"file"`
	Name       string        `json:"name"`
	Line       int           `json:"line"`
	Statement  string        `json:"statement"`
	Outcome    Outcome       `json:"outcome"`
	Steps      []string      `json:"steps,omitempty"`
	Evaluated  int           `json:"evaluated"`
	Expanded   int           `json:"expanded"`
	Rejected   int           `json:"rejected"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Run describes one invocation over a set of files.
type Run struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Files      []string  `json:"files"`
	Width      int       `json:"width"`
	Depth      int       `json:"depth"`
	Oracle     string    `json:"oracle"`
}

// FileStats aggregates the obligations of one file.
type FileStats struct {
	File        string
	Obligations int
	Succeeded   int
	Exhausted   int
	Aborted     int
	Skipped     int

	// Fault is set when the file could not be processed to the end.
	Fault string

	Duration time.Duration
}

// Add counts one outcome. Replayed statements are not obligations.
func (s *FileStats) Add(o Outcome) {
	switch o {
	case Succeeded:
		s.Succeeded++
	case Exhausted:
		s.Exhausted++
	case Aborted:
		s.Aborted++
	case Skipped:
		s.Skipped++
	default:
		return
	}
	s.Obligations++
}

// Summary combines many files.
type Summary struct {
	Files       int
	Faults      int
	Obligations int
	Succeeded   int
	Exhausted   int
	Aborted     int
	Skipped     int
	Duration    time.Duration
}

// Add folds fs into the summary.
func (s *Summary) Add(fs FileStats) {
	s.Files++
	if fs.Fault != "" {
		s.Faults++
	}
	s.Obligations += fs.Obligations
	s.Succeeded += fs.Succeeded
	s.Exhausted += fs.Exhausted
	s.Aborted += fs.Aborted
	s.Skipped += fs.Skipped
	s.Duration += fs.Duration
}

// Percent returns n as a percentage of all obligations.
func (s Summary) Percent(n int) float64 {
	return Percent(n, s.Obligations)
}

// Percent returns part/total in percent, or 0 for an empty total.
func Percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}

// Tally groups records by file, sorted by file name.
func Tally(records []Record) []FileStats {
	byFile := make(map[string]*FileStats)
	for _, r := range records {
		fs, ok := byFile[r.File]
		if !ok {
			fs = &FileStats{File: r.File}
			byFile[r.File] = fs
		}
		fs.Add(r.Outcome)
		fs.Duration += r.Duration
		if r.Error != "" && r.Outcome == Skipped && fs.Fault == "" {
			fs.Fault = r.Error
		}
	}
	out := make([]FileStats, 0, len(byFile))
	for _, fs := range byFile {
		out = append(out, *fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}
