// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator runs proof search over whole script files.
//
// Each file gets its own prover session. Vernacular is replayed as
// written; each proof block is searched and then committed, so later
// blocks see the same environment the original file builds. Files run on
// a fixed-size worker pool and a fault in one file never stops another.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianProver/services/prover/results"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
	"github.com/AleutianAI/AleutianProver/services/prover/serapi"
)

var filesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "prover_worker_files_total",
	Help: "Total files processed by status (ok, fault)",
}, []string{"status"})

// Session is a prover session the orchestrator can search in and recover.
type Session interface {
	search.Session
	Recover(ctx context.Context, depth int) error
	Close() error
}

var _ Session = (*serapi.Session)(nil)

// SessionFactory starts a session for one file.
type SessionFactory func(ctx context.Context, file string) (Session, error)

// SerapiFactory starts one sertop session per file with cfg.
func SerapiFactory(cfg serapi.LaunchConfig, logger *slog.Logger) SessionFactory {
	return func(ctx context.Context, file string) (Session, error) {
		return serapi.Start(ctx, cfg, serapi.WithLogger(logger), serapi.WithName(filepath.Base(file)))
	}
}

// Recorder receives obligation results as they finish.
type Recorder interface {
	Record(ctx context.Context, r results.Record) error
}

// Config sizes the worker pool and the restart budget.
type Config struct {
	// Workers is the number of files processed at once.
	Workers int

	// RestartInterval is the mean time between session restarts across
	// all workers. Zero means unlimited.
	RestartInterval time.Duration

	// RestartBurst is the number of restarts allowed back to back.
	RestartBurst int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{Workers: 4, RestartInterval: time.Second, RestartBurst: 4}
}

// Orchestrator runs searches over files.
//
// Thread Safety: Safe for concurrent use. The engine and oracle are
// shared read-only; sessions are never shared.
type Orchestrator struct {
	cfg      Config
	engine   *search.Engine
	factory  SessionFactory
	recorder Recorder
	restarts *rate.Limiter
	runID    string
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder sets where obligation results go.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRunID tags every record with id.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an orchestrator.
func New(cfg Config, engine *search.Engine, factory SessionFactory, opts ...Option) (*Orchestrator, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if engine == nil || factory == nil {
		return nil, errors.New("orchestrator needs an engine and a session factory")
	}
	limit := rate.Inf
	if cfg.RestartInterval > 0 {
		limit = rate.Every(cfg.RestartInterval)
	}
	o := &Orchestrator{
		cfg:      cfg,
		engine:   engine,
		factory:  factory,
		restarts: rate.NewLimiter(limit, max(cfg.RestartBurst, 1)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run processes files on the worker pool.
//
// Description:
//
//	Runs RunFile for every file with at most Workers files in flight.
//	Per-file faults are reported in the returned stats, not as errors.
//
// Outputs:
//
//	results.Summary: Totals over all files.
//	[]results.FileStats: One entry per file, in input order.
//	error: Non-nil only when ctx ends before all files finish.
func (o *Orchestrator) Run(ctx context.Context, files []string) (results.Summary, []results.FileStats, error) {
	stats := make([]results.FileStats, len(files))

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, file := range files {
		g.Go(func() error {
			stats[i], _ = o.RunFile(ctx, file)
			return nil
		})
	}
	_ = g.Wait()

	var sum results.Summary
	for _, fs := range stats {
		sum.Add(fs)
	}
	o.logger.Info("run finished",
		"files", sum.Files,
		"faults", sum.Faults,
		"obligations", sum.Obligations,
		"succeeded", sum.Succeeded,
		"success_pct", fmt.Sprintf("%.1f", sum.Percent(sum.Succeeded)),
	)
	if err := ctx.Err(); err != nil {
		return sum, stats, err
	}
	return sum, stats, nil
}

// Check replays files verbatim without searching, on the same pool. It
// returns one entry per file, nil when the file replays cleanly.
func (o *Orchestrator) Check(ctx context.Context, files []string) []error {
	errs := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, file := range files {
		g.Go(func() error {
			errs[i] = o.checkFile(ctx, file)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
