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

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// searchObligations counts finished searches by outcome
	searchObligations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "prover_search_obligations_total",
		Help: "Total searches by outcome",
	}, []string{"outcome"})

	searchEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prover_search_evaluations_total",
		Help: "Total frontier entries replayed",
	})

	searchRejectedSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prover_search_rejected_steps_total",
		Help: "Total candidate steps rejected by the prover",
	})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "prover_search_duration_seconds",
		Help:    "Search duration in seconds by outcome",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	}, []string{"outcome"})

	// searchFrontierMax tracks the peak frontier size per search
	searchFrontierMax = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prover_search_frontier_max",
		Help:    "Largest frontier size reached per search",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})
)

func recordResult(res Result) {
	label := res.Outcome.String()
	searchObligations.WithLabelValues(label).Inc()
	searchEvaluations.Add(float64(res.Evaluated))
	searchRejectedSteps.Add(float64(res.Rejected))
	searchDuration.WithLabelValues(label).Observe(res.Duration.Seconds())
	searchFrontierMax.Observe(float64(res.MaxFrontier))
}
