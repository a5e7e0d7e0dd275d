// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianProver/services/prover/storage/badger"
)

// ErrRunNotFound indicates an unknown run ID.
var ErrRunNotFound = errors.New("results: run not found")

const (
	runPrefix    = "run/"
	recordPrefix = "rec/"
)

// Store persists runs and records in BadgerDB.
//
// Keys:
//
//	run/<id>                     Run
//	rec/<id>/<file>|<line:08d>   Record
//
// Records of one run therefore list in file order, then line order.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// NewStore wraps an open database. The caller keeps ownership of db.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

func runKey(id string) []byte { return []byte(runPrefix + id) }

func recordKey(r Record) []byte {
	return []byte(fmt.Sprintf("%s%s/%s|%08d", recordPrefix, r.RunID, r.File, r.Line))
}

// BeginRun stores run. An empty ID is filled in.
func (s *Store) BeginRun(ctx context.Context, run Run) (Run, error) {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	if err := s.put(ctx, runKey(run.ID), run); err != nil {
		return run, fmt.Errorf("begin run %s: %w", run.ID, err)
	}
	return run, nil
}

// FinishRun stamps the end time of a run.
func (s *Store) FinishRun(ctx context.Context, id string) error {
	return s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		var run Run
		if err := getJSON(txn, runKey(id), &run); err != nil {
			return err
		}
		run.FinishedAt = s.now()
		return setJSON(txn, runKey(id), run)
	})
}

// Record stores one obligation result. Recording the same file and line
// twice in a run keeps the latest.
func (s *Store) Record(ctx context.Context, r Record) error {
	if r.RunID == "" {
		return errors.New("results: record has no run ID")
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = s.now()
	}
	if err := s.put(ctx, recordKey(r), r); err != nil {
		return fmt.Errorf("record %s:%d: %w", r.File, r.Line, err)
	}
	return nil
}

// List returns the records of a run.
func (s *Store) List(ctx context.Context, runID string) ([]Record, error) {
	if _, err := s.Run(ctx, runID); err != nil {
		return nil, err
	}
	var out []Record
	prefix := []byte(recordPrefix + runID + "/")
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Run returns one run.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	var run Run
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		return getJSON(txn, runKey(id), &run)
	})
	return run, err
}

// Runs returns every run, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	var out []Run
	prefix := []byte(runPrefix)
	err := s.db.View(ctx, func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var run Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// Latest returns the most recently started run.
func (s *Store) Latest(ctx context.Context) (Run, error) {
	runs, err := s.Runs(ctx)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrRunNotFound
	}
	return runs[0], nil
}

func (s *Store) put(ctx context.Context, key []byte, v any) error {
	return s.db.Update(ctx, func(txn *dgbadger.Txn) error {
		return setJSON(txn, key, v)
	})
}

func setJSON(txn *dgbadger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return txn.Set(key, data)
}

func getJSON(txn *dgbadger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, key[len(runPrefix):])
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
