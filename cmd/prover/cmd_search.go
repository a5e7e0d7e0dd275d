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
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProver/services/prover/config"
	"github.com/AleutianAI/AleutianProver/services/prover/oracle"
	"github.com/AleutianAI/AleutianProver/services/prover/orchestrator"
	"github.com/AleutianAI/AleutianProver/services/prover/results"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
	"github.com/AleutianAI/AleutianProver/services/prover/storage/badger"
)

func (a *app) searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search [flags] <file.v|dir>...",
		Short: "Search for a proof of every obligation in the given scripts",
		Long: `search replays each script in its own sertop session. Every Lemma,
Theorem or Goal is searched breadth-first with tactics proposed by the
oracle; found proofs are committed, everything else is admitted. Directories
are walked for .v files.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectScripts(args)
			if err != nil {
				return err
			}
			return a.runSearch(cmd.Context(), cmd.OutOrStdout(), files)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&a.flags.workers, "workers", "j", 0, "files processed in parallel")
	f.IntVar(&a.flags.width, "width", 0, "tactics tried per goal")
	f.IntVar(&a.flags.depth, "depth", 0, "maximum proof length")
	f.IntVar(&a.flags.maxEvals, "max-evaluations", 0, "tactic sequences tried per obligation, 0 for unlimited")
	f.DurationVar(&a.flags.timeout, "timeout", 0, "wall-clock budget per obligation, 0 for unlimited")
	f.StringVar(&a.flags.oracle, "oracle", "", "heuristic, fixed or http")
	f.StringSliceVar(&a.flags.tactics, "tactic", nil, "tactic for the fixed oracle, repeatable")
	f.StringVar(&a.flags.endpoint, "endpoint", "", "predictor URL for the http oracle")
	f.BoolVar(&a.flags.inMemory, "in-memory", false, "keep results in memory only")
	f.StringVar(&a.flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on host:port")
	return cmd
}

func (a *app) runSearch(ctx context.Context, out io.Writer, files []string) error {
	if err := a.startTelemetry(ctx); err != nil {
		return err
	}
	logger := a.logger.Logger

	orc, err := buildOracle(a.cfg.Oracle, logger)
	if err != nil {
		return err
	}
	engine, err := search.NewEngine(a.cfg.Search.Engine(), orc, search.WithLogger(logger))
	if err != nil {
		return err
	}

	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	store := results.NewStore(db)

	run, err := store.BeginRun(ctx, results.Run{
		Files:  files,
		Width:  a.cfg.Search.Width,
		Depth:  a.cfg.Search.Depth,
		Oracle: a.cfg.Oracle.Kind,
	})
	if err != nil {
		return err
	}
	logger = logger.With("run_id", run.ID)

	orch, err := orchestrator.New(a.cfg.Workers.Pool(), engine,
		orchestrator.SerapiFactory(a.cfg.Coq.Launch(), logger),
		orchestrator.WithRecorder(store),
		orchestrator.WithRunID(run.ID),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	sum, stats, runErr := orch.Run(ctx, files)
	if err := store.FinishRun(context.WithoutCancel(ctx), run.ID); err != nil {
		logger.Warn("failed to finish run", "error", err)
	}

	fmt.Fprintf(out, "run %s\n", run.ID)
	printStats(out, stats, sum)
	return runErr
}

// openDB opens the results database described by the configuration.
func (a *app) openDB() (*badger.DB, error) {
	bcfg := a.cfg.Storage.Badger()
	bcfg.Logger = a.logger.With("component", "badger").Slog()
	return badger.Open(bcfg)
}

// buildOracle creates the configured oracle. Heuristic and HTTP oracles
// are wrapped in a cache; the fixed oracle is already constant time.
func buildOracle(cfg config.OracleConfig, logger *slog.Logger) (oracle.Oracle, error) {
	var inner oracle.Oracle
	switch cfg.Kind {
	case config.OracleFixed:
		return oracle.NewFixed(cfg.Tactics...), nil
	case config.OracleHTTP:
		h, err := oracle.NewHTTP(cfg.Endpoint, cfg.HTTPTimeout,
			oracle.WithModel(cfg.Model),
			oracle.WithHTTPLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		inner = h
	case config.OracleHeuristic, "":
		inner = oracle.NewHeuristic(nil)
	default:
		return nil, fmt.Errorf("unknown oracle %q", cfg.Kind)
	}
	return oracle.NewCached(inner, cfg.CacheSize)
}

// collectScripts expands directories into their .v files. The result is
// sorted and free of duplicates.
func collectScripts(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, filepath.Clean(arg))
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != arg && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(path) == ".v" {
				files = append(files, filepath.Clean(path))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .v files in %s", strings.Join(args, ", "))
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

func printStats(out io.Writer, stats []results.FileStats, sum results.Summary) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tOBLIGATIONS\tSUCCEEDED\tEXHAUSTED\tABORTED\tSKIPPED\tTIME\tFAULT")
	for _, st := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			st.File, st.Obligations, st.Succeeded, st.Exhausted, st.Aborted, st.Skipped,
			st.Duration.Round(time.Millisecond), st.Fault)
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t%d\t%d\t%d\t%d\t%s\t%d faulted\n",
		sum.Obligations, sum.Succeeded, sum.Exhausted, sum.Aborted, sum.Skipped,
		sum.Duration.Round(time.Millisecond), sum.Faults)
	tw.Flush()
	fmt.Fprintf(out, "\n%.1f%% of %d obligations proved\n", sum.Percent(sum.Succeeded), sum.Obligations)
}
