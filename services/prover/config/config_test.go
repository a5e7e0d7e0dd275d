// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianProver/services/prover/search"
	"github.com/AleutianAI/AleutianProver/services/prover/serapi"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, search.DefaultConfig(), cfg.Search.Engine())
	assert.Equal(t, "sertop", cfg.Coq.Launch().Executable)
	assert.Equal(t, 4, cfg.Workers.Pool().Workers)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prover.yaml")
	src := `
coq:
  executable: /opt/coq/bin/sertop
  prelude: /opt/coq/lib/coq
  includes:
    - dir: theories
      logical: Demo
      recursive: true
  command_timeout: 5s
search:
  width: 5
  depth: 4
  timeout: 2m
oracle:
  kind: fixed
  tactics: ["intros.", "auto."]
workers:
  count: 8
storage:
  in_memory: true
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	launch := cfg.Coq.Launch()
	assert.Equal(t, "/opt/coq/bin/sertop", launch.Executable)
	assert.Equal(t, 5*time.Second, launch.CommandTimeout)
	assert.Equal(t, serapi.DefaultStartupTimeout, launch.StartupTimeout, "unset keys keep defaults")
	if diff := cmp.Diff([]serapi.Include{{Dir: "theories", Logical: "Demo", Recursive: true}}, launch.Includes); diff != "" {
		t.Errorf("includes mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, search.Config{Width: 5, Depth: 4, Probe: "Unshelve.", Timeout: 2 * time.Minute}, cfg.Search.Engine())
	assert.Equal(t, []string{"intros.", "auto."}, cfg.Oracle.Tactics)
	assert.Equal(t, 8, cfg.Workers.Count)
	assert.True(t, cfg.Storage.Badger().InMemory)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("search:\n  breadth: 3\n"), 0o644))
	_, err = Load(unknown)
	assert.ErrorContains(t, err, "breadth")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("search:\n  width: 0\n"), 0o644))
	_, err = Load(invalid)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "Search.Width")
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"PROVER_SERTOP":             "/usr/bin/sertop",
		"PROVER_WIDTH":              "7",
		"PROVER_OBLIGATION_TIMEOUT": "90s",
		"PROVER_VERIFY_ROLLBACK":    "true",
		"PROVER_ORACLE":             "fixed",
		"PROVER_ORACLE_TACTICS":     "intros. ; split. ;; exists 0, 1.",
		"PROVER_WORKERS":            "2",
		"PROVER_LOG_LEVEL":          "",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/sertop", cfg.Coq.Executable)
	assert.Equal(t, 7, cfg.Search.Width)
	assert.Equal(t, 90*time.Second, cfg.Search.Timeout)
	assert.True(t, cfg.Search.VerifyRollback)
	assert.Equal(t, []string{"intros.", "split.", "exists 0, 1."}, cfg.Oracle.Tactics)
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.Equal(t, "info", cfg.Logging.Level, "empty values are ignored")
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"PROVER_WIDTH":           "wide",
		"PROVER_COMMAND_TIMEOUT": "soon",
		"PROVER_DEPTH":           "2",
	}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "PROVER_WIDTH")
	assert.ErrorContains(t, err, "PROVER_COMMAND_TIMEOUT")
	assert.Equal(t, 3, cfg.Search.Width, "malformed values leave the field alone")
	assert.Equal(t, 2, cfg.Search.Depth)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero width", func(c *Config) { c.Search.Width = 0 }, "Search.Width"},
		{"negative depth", func(c *Config) { c.Search.Depth = -1 }, "Search.Depth"},
		{"empty probe", func(c *Config) { c.Search.Probe = "" }, "Search.Probe"},
		{"no executable", func(c *Config) { c.Coq.Executable = "" }, "Coq.Executable"},
		{"zero command timeout", func(c *Config) { c.Coq.CommandTimeout = 0 }, "Coq.CommandTimeout"},
		{"include without dir", func(c *Config) { c.Coq.Includes = []serapi.Include{{Logical: "X"}} }, "Dir"},
		{"unknown oracle", func(c *Config) { c.Oracle.Kind = "neural" }, "Oracle.Kind"},
		{"fixed without tactics", func(c *Config) { c.Oracle.Kind = OracleFixed }, "Oracle.Tactics"},
		{"empty tactic", func(c *Config) { c.Oracle.Kind = OracleFixed; c.Oracle.Tactics = []string{"auto.", ""} }, "Oracle.Tactics[1]"},
		{"http without endpoint", func(c *Config) { c.Oracle.Kind = OracleHTTP }, "Oracle.Endpoint"},
		{"bad endpoint", func(c *Config) { c.Oracle.Kind = OracleHTTP; c.Oracle.Endpoint = "not a url" }, "Oracle.Endpoint"},
		{"no workers", func(c *Config) { c.Workers.Count = 0 }, "Workers.Count"},
		{"no storage", func(c *Config) { c.Storage.Path = "" }, "Storage.Path"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "Logging.Level"},
		{"bad metrics addr", func(c *Config) { c.Telemetry.MetricsAddr = "9090" }, "Telemetry.MetricsAddr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	ok := DefaultConfig()
	ok.Oracle.Kind = OracleHTTP
	ok.Oracle.Endpoint = "http://localhost:8080/score"
	ok.Storage = StorageConfig{InMemory: true}
	ok.Telemetry.MetricsAddr = ":9090"
	assert.NoError(t, ok.Validate())
}

func TestEncodeRoundTrip(t *testing.T) {
	want := DefaultConfig()
	want.Oracle.Tactics = []string{"auto."}
	want.Coq.Includes = []serapi.Include{{Dir: "src", Logical: "Src"}}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, want))
	assert.True(t, strings.Contains(buf.String(), "command_timeout: 30s"), buf.String())

	got := Config{}
	require.NoError(t, Decode(&buf, &got))
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
