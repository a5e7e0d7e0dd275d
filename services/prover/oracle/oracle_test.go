// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

func snapshot(goal string, hyps ...proofstate.Hypothesis) proofstate.Snapshot {
	return proofstate.Snapshot{Subgoals: []proofstate.Subgoal{{Hypotheses: hyps, Goal: goal}}}
}

func TestRank(t *testing.T) {
	got := Rank([]Prediction{
		{"b.", 0.5},
		{" a. ", 0.9},
		{"", 3},
		{"c.", 0.5},
		{"b.", 0.95},
		{"d.", 0.1},
	}, 3)
	assert.Equal(t, []Prediction{{"b.", 0.95}, {"a.", 0.9}, {"c.", 0.5}}, got)
	assert.Empty(t, Rank(nil, 3))
	assert.Equal(t, []string{"b.", "a.", "c."}, Tactics(got))
}

func TestDedupe(t *testing.T) {
	got := Dedupe([]Prediction{
		{"b.", 0.1},
		{" a. ", 0.9},
		{"", 3},
		{"b.", 0.95},
		{"c.", 0.5},
		{"d.", 0.7},
	}, 3)
	assert.Equal(t, []Prediction{{"b.", 0.1}, {"a.", 0.9}, {"c.", 0.5}}, got, "input order wins over scores")
	assert.Empty(t, Dedupe(nil, 3))
	assert.Empty(t, Dedupe([]Prediction{{"a.", 1}}, 0))
	assert.Len(t, Dedupe([]Prediction{{"a.", 1}, {"b.", 1}}, -1), 2)
}

func TestHeuristic(t *testing.T) {
	h := NewHeuristic(nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		snap  proofstate.Snapshot
		count int
		want  []string
	}{
		{name: "forall", snap: snapshot("forall n : nat, n + 0 = n"), count: 2, want: []string{"intros.", "reflexivity."}},
		{name: "other goal", snap: snapshot("even 4"), count: 2, want: []string{"eauto.", "intros."}},
		{name: "truncated", snap: snapshot("even 4"), count: 1, want: []string{"eauto."}},
		{name: "conjunction", snap: snapshot("True /\\ True"), count: 1, want: []string{"split."}},
		{name: "true", snap: snapshot("True"), count: 1, want: []string{"exact I."}},
		{
			name:  "assumption",
			snap:  snapshot("P x", proofstate.Hypothesis{Names: []string{"H"}, Type: "P x"}),
			count: 1,
			want:  []string{"assumption."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			preds, err := h.Score(ctx, tt.snap, tt.count)
			require.NoError(t, err)
			assert.Equal(t, tt.want, Tactics(preds))
		})
	}

	t.Run("outside a proof", func(t *testing.T) {
		preds, err := h.Score(ctx, proofstate.Snapshot{}, 3)
		require.NoError(t, err)
		assert.Empty(t, preds)
	})

	t.Run("bad count", func(t *testing.T) {
		_, err := h.Score(ctx, snapshot("True"), 0)
		assert.ErrorIs(t, err, ErrBadCount)
	})
}

func TestFixed(t *testing.T) {
	f := NewFixed("reflexivity.", "intros.", "reflexivity.", "auto.")
	preds, err := f.Score(context.Background(), snapshot("x = x"), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"reflexivity.", "intros.", "auto."}, Tactics(preds))

	preds, err = f.Score(context.Background(), snapshot("x = x"), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"reflexivity."}, Tactics(preds))

	// callers may not disturb the next answer
	preds[0].Tactic = "mutated."
	again, err := f.Score(context.Background(), snapshot("x = x"), 1)
	require.NoError(t, err)
	assert.Equal(t, "reflexivity.", again[0].Tactic)
}

func TestHTTP(t *testing.T) {
	var got scoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(scoreResponse{Predictions: []Prediction{
			{"auto.", 0.2}, {"intros.", 0.9}, {"induction n.", 0.5},
		}})
	}))
	defer srv.Close()

	o, err := NewHTTP(srv.URL+"/", time.Second, WithModel("gpt2"))
	require.NoError(t, err)

	snap := snapshot("n + 0 = n", proofstate.Hypothesis{Names: []string{"n"}, Type: "nat"})
	snap.PrevTactics = []string{"intros."}
	preds, err := o.Score(context.Background(), snap, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"intros.", "induction n."}, Tactics(preds))

	assert.Equal(t, "gpt2", got.Model)
	assert.Equal(t, "n + 0 = n", got.Goal)
	assert.Equal(t, map[string]string{"n": "nat"}, got.Hypotheses)
	assert.Equal(t, []string{"intros."}, got.PrevTactics)
	assert.Equal(t, 1, got.OpenGoals)
	assert.Equal(t, 2, got.Count)
}

func TestHTTPErrors(t *testing.T) {
	t.Run("no endpoint", func(t *testing.T) {
		_, err := NewHTTP(" ", 0)
		assert.Error(t, err)
	})

	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		o, err := NewHTTP(srv.URL, time.Second)
		require.NoError(t, err)
		_, err = o.Score(context.Background(), snapshot("True"), 1)
		require.ErrorIs(t, err, ErrPredictor)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("service error field", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"error":"context too long"}`))
		}))
		defer srv.Close()
		o, err := NewHTTP(srv.URL, time.Second)
		require.NoError(t, err)
		_, err = o.Score(context.Background(), snapshot("True"), 1)
		require.ErrorIs(t, err, ErrPredictor)
		assert.Contains(t, err.Error(), "context too long")
	})

	t.Run("garbage", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		}))
		defer srv.Close()
		o, err := NewHTTP(srv.URL, time.Second)
		require.NoError(t, err)
		_, err = o.Score(context.Background(), snapshot("True"), 1)
		assert.ErrorIs(t, err, ErrPredictor)
	})

	t.Run("outside a proof sends nothing", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
		}))
		defer srv.Close()
		o, err := NewHTTP(srv.URL, time.Second)
		require.NoError(t, err)
		preds, err := o.Score(context.Background(), proofstate.Snapshot{}, 1)
		require.NoError(t, err)
		assert.Empty(t, preds)
		assert.Zero(t, calls.Load())
	})
}

func TestCached(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(_ context.Context, snap proofstate.Snapshot, count int) ([]Prediction, error) {
		calls.Add(1)
		return []Prediction{{"auto.", 1}, {"intros.", 0.5}}[:count], nil
	})
	c, err := NewCached(inner, 8)
	require.NoError(t, err)

	hits := testutil.ToFloat64(cacheLookups.WithLabelValues("hit"))
	misses := testutil.ToFloat64(cacheLookups.WithLabelValues("miss"))

	ctx := context.Background()
	first, err := c.Score(ctx, snapshot("A"), 2)
	require.NoError(t, err)
	first[0].Tactic = "mutated."

	second, err := c.Score(ctx, snapshot("A"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"auto.", "intros."}, Tactics(second))

	_, err = c.Score(ctx, snapshot("A"), 1)
	require.NoError(t, err)
	_, err = c.Score(ctx, snapshot("B"), 2)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(cacheLookups.WithLabelValues("hit"))-hits)
	assert.Equal(t, 3.0, testutil.ToFloat64(cacheLookups.WithLabelValues("miss"))-misses)
}

func TestCachedErrorsNotCached(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	inner := Func(func(context.Context, proofstate.Snapshot, int) ([]Prediction, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return []Prediction{{"auto.", 1}}, nil
	})
	c, err := NewCached(inner, 0)
	require.NoError(t, err)

	_, err = c.Score(context.Background(), snapshot("A"), 1)
	require.ErrorIs(t, err, boom)
	preds, err := c.Score(context.Background(), snapshot("A"), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"auto."}, Tactics(preds))
}

func TestCachedConcurrent(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	inner := Func(func(context.Context, proofstate.Snapshot, int) ([]Prediction, error) {
		calls.Add(1)
		<-release
		return []Prediction{{"auto.", 1}}, nil
	})
	c, err := NewCached(inner, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			preds, err := c.Score(context.Background(), snapshot("A"), 1)
			assert.NoError(t, err)
			assert.Len(t, preds, 1)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedCallerCancellationIsPrivate(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	inner := Func(func(ctx context.Context, _ proofstate.Snapshot, _ int) ([]Prediction, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return []Prediction{{"auto.", 1}}, nil
		}
	})
	c, err := NewCached(inner, 4)
	require.NoError(t, err)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Score(ctxA, snapshot("A"), 1)
		errA <- err
	}()
	<-started

	type result struct {
		preds []Prediction
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		preds, err := c.Score(context.Background(), snapshot("A"), 1)
		resB <- result{preds, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err, "a waiter must not inherit another caller's cancellation")
	assert.Equal(t, []string{"auto."}, Tactics(b.preds))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestNewCachedNilInner(t *testing.T) {
	_, err := NewCached(nil, 1)
	assert.Error(t, err)
}
