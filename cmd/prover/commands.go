// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProver/pkg/logging"
	"github.com/AleutianAI/AleutianProver/services/prover/config"
	"github.com/AleutianAI/AleutianProver/services/prover/telemetry"
)

// app holds what the commands share: configuration, the logger and the
// telemetry handles, released by close.
type app struct {
	configPath string
	flags      flagValues

	cfg    config.Config
	logger *logging.Logger
	stderr io.Writer

	closers []func(context.Context) error
}

// flagValues are command-line overrides, applied only when set.
type flagValues struct {
	logLevel    string
	logFormat   string
	workers     int
	width       int
	depth       int
	maxEvals    int
	timeout     time.Duration
	oracle      string
	tactics     []string
	endpoint    string
	dbPath      string
	inMemory    bool
	metricsAddr string
}

// execute runs the CLI with args and releases everything it opened.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer a.close()
	return root.ExecuteContext(ctx)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "prover",
		Short: "Breadth-first proof search over a persistent SerAPI session",
		Long: `prover replays Coq scripts through sertop and searches for a proof of
every obligation, guided by a tactic oracle. Results are stored per run.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "auto, text or json")
	pf.StringVar(&a.flags.dbPath, "db", "", "results database directory")

	root.AddCommand(
		a.searchCmd(),
		a.checkCmd(),
		a.resultsCmd(),
		a.splitCmd(),
		a.configCmd(),
	)
	return root
}

// setup loads configuration, applies flags and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Logging.Format),
		LogDir:  cfg.Logging.Dir,
		Service: "prover",
		Quiet:   cfg.Logging.Quiet,
		Stderr:  a.stderr,
	})
	if err != nil {
		return err
	}
	a.logger = logger
	a.closers = append(a.closers, func(context.Context) error { return logger.Close() })
	slog.SetDefault(logger.Logger)
	return nil
}

func (a *app) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	f := a.flags
	if changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = f.logFormat
	}
	if changed("db") {
		cfg.Storage.Path = f.dbPath
	}
	if changed("in-memory") {
		cfg.Storage.InMemory = f.inMemory
	}
	if changed("workers") {
		cfg.Workers.Count = f.workers
	}
	if changed("width") {
		cfg.Search.Width = f.width
	}
	if changed("depth") {
		cfg.Search.Depth = f.depth
	}
	if changed("max-evaluations") {
		cfg.Search.MaxEvaluations = f.maxEvals
	}
	if changed("timeout") {
		cfg.Search.Timeout = f.timeout
	}
	if changed("oracle") {
		cfg.Oracle.Kind = f.oracle
	}
	if changed("tactic") {
		cfg.Oracle.Tactics = f.tactics
	}
	if changed("endpoint") {
		cfg.Oracle.Endpoint = f.endpoint
	}
	if changed("metrics-addr") {
		cfg.Telemetry.MetricsAddr = f.metricsAddr
	}
}

// startTelemetry installs providers and the metrics endpoint. Only the
// commands that drive sertop need it.
func (a *app) startTelemetry(ctx context.Context) error {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = a.cfg.Telemetry.ServiceName
	tcfg.TraceExporter = a.cfg.Telemetry.Tracing
	tcfg.TraceWriter = a.stderr
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	if addr := a.cfg.Telemetry.MetricsAddr; addr != "" {
		srv, err := telemetry.Serve(addr, telemetry.MetricsHandler(), a.logger.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, srv.Shutdown)
	}
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintln(a.stderr, "shutdown:", err)
	}
}
