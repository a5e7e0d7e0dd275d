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
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

// DefaultCacheSize is the number of contexts a Cached oracle remembers.
const DefaultCacheSize = 4096

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "prover_oracle_cache_total",
	Help: "Oracle cache lookups by result (hit, miss, shared, error)",
}, []string{"result"})

// Cached memoizes another oracle by context.
//
// # Description
//
// Many frontier entries across workers reach identical contexts (the same
// lemma prefix, the same intro pattern). Cached keys predictions by
// Snapshot.Key and count, and uses singleflight so concurrent requests for
// one key reach the inner oracle once. The inner call runs detached from
// the caller's cancellation, so one worker giving up never fails another
// waiting on the same key. Errors are not cached.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cached struct {
	inner  Oracle
	cache  *lru.Cache[string, []Prediction]
	flight singleflight.Group
}

// NewCached wraps inner. A non-positive size selects DefaultCacheSize.
func NewCached(inner Oracle, size int) (*Cached, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached oracle: inner oracle is nil")
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, []Prediction](size)
	if err != nil {
		return nil, fmt.Errorf("cached oracle: %w", err)
	}
	return &Cached{inner: inner, cache: c}, nil
}

// Score implements Oracle.
func (c *Cached) Score(ctx context.Context, snap proofstate.Snapshot, count int) ([]Prediction, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadCount, count)
	}
	key := snap.Key() + "/" + strconv.Itoa(count)
	if preds, ok := c.cache.Get(key); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return clonePredictions(preds), nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		if preds, ok := c.cache.Get(key); ok {
			return preds, nil
		}
		preds, err := c.inner.Score(flightCtx, snap, count)
		if err != nil {
			return nil, err
		}
		preds = clonePredictions(preds)
		c.cache.Add(key, preds)
		return preds, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		cacheLookups.WithLabelValues("error").Inc()
		return nil, ctx.Err()
	case res = <-ch:
	}
	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		cacheLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	if shared {
		cacheLookups.WithLabelValues("shared").Inc()
	} else {
		cacheLookups.WithLabelValues("miss").Inc()
	}
	return clonePredictions(v.([]Prediction)), nil
}

// Len returns the number of cached contexts.
func (c *Cached) Len() int { return c.cache.Len() }

func clonePredictions(p []Prediction) []Prediction {
	if p == nil {
		return nil
	}
	out := make([]Prediction, len(p))
	copy(out, p)
	return out
}
