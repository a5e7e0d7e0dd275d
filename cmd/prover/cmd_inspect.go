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
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianProver/services/prover/config"
	"github.com/AleutianAI/AleutianProver/services/prover/orchestrator"
	"github.com/AleutianAI/AleutianProver/services/prover/results"
	"github.com/AleutianAI/AleutianProver/services/prover/script"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
)

// errCheckFailed is returned by check when any file does not replay.
var errCheckFailed = errors.New("one or more files failed to replay")

func (a *app) checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [flags] <file.v|dir>...",
		Short: "Replay scripts as written, without searching",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectScripts(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.startTelemetry(ctx); err != nil {
				return err
			}
			orc, err := buildOracle(a.cfg.Oracle, a.logger.Logger)
			if err != nil {
				return err
			}
			engine, err := search.NewEngine(a.cfg.Search.Engine(), orc)
			if err != nil {
				return err
			}
			orch, err := orchestrator.New(a.cfg.Workers.Pool(), engine,
				orchestrator.SerapiFactory(a.cfg.Coq.Launch(), a.logger.Logger),
				orchestrator.WithLogger(a.logger.Logger),
			)
			if err != nil {
				return err
			}
			return printCheck(cmd.OutOrStdout(), files, orch.Check(ctx, files))
		},
	}
	cmd.Flags().IntVarP(&a.flags.workers, "workers", "j", 0, "files processed in parallel")
	return cmd
}

func printCheck(out io.Writer, files []string, errs []error) error {
	failed := 0
	for i, file := range files {
		if errs[i] == nil {
			fmt.Fprintf(out, "OK    %s\n", file)
			continue
		}
		failed++
		fmt.Fprintf(out, "FAIL  %s: %v\n", file, errs[i])
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errCheckFailed, failed, len(files))
	}
	return nil
}

func (a *app) resultsCmd() *cobra.Command {
	var showRecords, listRuns bool
	cmd := &cobra.Command{
		Use:   "results [run-id]",
		Short: "Summarize a stored run, the latest by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			store := results.NewStore(db)
			out := cmd.OutOrStdout()

			if listRuns {
				runs, err := store.Runs(ctx)
				if err != nil {
					return err
				}
				printRuns(out, runs)
				return nil
			}

			var run results.Run
			if len(args) == 1 {
				run, err = store.Run(ctx, args[0])
			} else {
				run, err = store.Latest(ctx)
			}
			if err != nil {
				return err
			}
			records, err := store.List(ctx, run.ID)
			if err != nil {
				return err
			}

			stats := results.Tally(records)
			var sum results.Summary
			for _, st := range stats {
				sum.Add(st)
			}
			fmt.Fprintf(out, "run %s  started %s  oracle %s  width %d  depth %d\n",
				run.ID, run.StartedAt.Format(time.RFC3339), run.Oracle, run.Width, run.Depth)
			if run.FinishedAt.IsZero() {
				fmt.Fprintln(out, "(unfinished)")
			}
			printStats(out, stats, sum)
			if showRecords {
				fmt.Fprintln(out)
				printRecords(out, records)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showRecords, "records", false, "list every obligation")
	cmd.Flags().BoolVar(&listRuns, "runs", false, "list stored runs instead")
	return cmd
}

func printRuns(out io.Writer, runs []results.Run) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tFILES\tORACLE\tWIDTH\tDEPTH")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\n",
			r.ID, r.StartedAt.Format(time.RFC3339), len(r.Files), r.Oracle, r.Width, r.Depth)
	}
	tw.Flush()
}

func printRecords(out io.Writer, records []results.Record) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tLINE\tNAME\tOUTCOME\tEVALUATED\tPROOF")
	for _, r := range records {
		detail := strings.Join(r.Steps, " ")
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n", r.File, r.Line, r.Name, r.Outcome, r.Evaluated, detail)
	}
	tw.Flush()
}

func (a *app) splitCmd() *cobra.Command {
	var sentences bool
	cmd := &cobra.Command{
		Use:   "split <file.v>",
		Short: "Show how a script is divided into blocks and sentences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blocks, err := script.ParseFile(args[0])
			if err != nil {
				return err
			}
			printBlocks(cmd.OutOrStdout(), blocks, sentences)
			return nil
		},
	}
	cmd.Flags().BoolVar(&sentences, "sentences", false, "print every sentence")
	return cmd
}

func printBlocks(out io.Writer, blocks []script.Block, sentences bool) {
	obligations := 0
	for _, b := range blocks {
		first := b.Sentences[0]
		if b.Kind == script.Proof {
			obligations++
			fmt.Fprintf(out, "%-6s line %-5d %s (%d sentences)\n", b.Kind, first.Line, b.Name(), len(b.Sentences))
		} else {
			fmt.Fprintf(out, "%-6s line %-5d (%d sentences)\n", b.Kind, first.Line, len(b.Sentences))
		}
		if !sentences {
			continue
		}
		for _, s := range b.Sentences {
			fmt.Fprintf(out, "    %5d  %s\n", s.Line, s.Text)
		}
	}
	fmt.Fprintf(out, "%d blocks, %d obligations\n", len(blocks), obligations)
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.Encode(cmd.OutOrStdout(), a.cfg)
		},
	}
}
