// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads prover configuration.
//
// Priority: environment (PROVER_*) > file > defaults. Command-line flags
// are applied by the caller on top of the loaded value.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianProver/services/prover/orchestrator"
	"github.com/AleutianAI/AleutianProver/services/prover/search"
	"github.com/AleutianAI/AleutianProver/services/prover/serapi"
	"github.com/AleutianAI/AleutianProver/services/prover/storage/badger"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Oracle kinds.
const (
	OracleHeuristic = "heuristic"
	OracleFixed     = "fixed"
	OracleHTTP      = "http"
)

// Config is the full prover configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	Coq       CoqConfig       `yaml:"coq"`
	Search    SearchConfig    `yaml:"search"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Workers   WorkersConfig   `yaml:"workers"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// CoqConfig describes how to start sertop.
type CoqConfig struct {
	Executable     string           `yaml:"executable" validate:"required"`
	Prelude        string           `yaml:"prelude"`
	Includes       []serapi.Include `yaml:"includes" validate:"dive"`
	ExtraArgs      []string         `yaml:"extra_args"`
	WorkDir        string           `yaml:"workdir"`
	CommandTimeout time.Duration    `yaml:"command_timeout" validate:"gt=0"`
	StartupTimeout time.Duration    `yaml:"startup_timeout" validate:"gt=0"`
}

// SearchConfig bounds the proof search.
type SearchConfig struct {
	Width          int           `yaml:"width" validate:"min=1"`
	Depth          int           `yaml:"depth" validate:"min=0"`
	Probe          string        `yaml:"probe" validate:"required"`
	MaxEvaluations int           `yaml:"max_evaluations" validate:"min=0"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=0"`
	VerifyRollback bool          `yaml:"verify_rollback"`
}

// OracleConfig selects and configures the tactic oracle.
type OracleConfig struct {
	Kind        string        `yaml:"kind" validate:"oneof=heuristic fixed http"`
	Tactics     []string      `yaml:"tactics" validate:"dive,required"`
	Endpoint    string        `yaml:"endpoint" validate:"omitempty,url"`
	Model       string        `yaml:"model"`
	HTTPTimeout time.Duration `yaml:"http_timeout" validate:"min=0"`
	CacheSize   int           `yaml:"cache_size" validate:"min=0"`
}

// WorkersConfig sizes the file worker pool.
type WorkersConfig struct {
	Count           int           `yaml:"count" validate:"min=1,max=256"`
	RestartInterval time.Duration `yaml:"restart_interval" validate:"min=0"`
	RestartBurst    int           `yaml:"restart_burst" validate:"min=1"`
}

// StorageConfig locates the results database.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir"`
	Quiet  bool   `yaml:"quiet"`
}

// TelemetryConfig controls traces and the metrics endpoint.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" validate:"required"`
	Tracing     string `yaml:"tracing" validate:"oneof=none stdout"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	sc := search.DefaultConfig()
	pool := orchestrator.DefaultConfig()
	return Config{
		Coq: CoqConfig{
			Executable:     serapi.DefaultExecutable,
			CommandTimeout: serapi.DefaultCommandTimeout,
			StartupTimeout: serapi.DefaultStartupTimeout,
		},
		Search: SearchConfig{
			Width: sc.Width,
			Depth: sc.Depth,
			Probe: sc.Probe,
		},
		Oracle: OracleConfig{
			Kind:        OracleHeuristic,
			HTTPTimeout: 30 * time.Second,
		},
		Workers: WorkersConfig{
			Count:           pool.Workers,
			RestartInterval: pool.RestartInterval,
			RestartBurst:    pool.RestartBurst,
		},
		Storage: StorageConfig{
			Path: ".prover/results",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "aleutian-prover",
			Tracing:     "none",
		},
	}
}

// Load reads configuration with priority: env > file > defaults.
//
// Inputs:
//   - path: YAML file, optional. A named file that does not exist is an error.
//
// Outputs:
//   - Config: Merged and validated configuration.
//   - error: Non-nil if the file, an environment value or the result is invalid.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := Decode(bytes.NewReader(data), &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Decode merges YAML from r into cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Encode writes cfg as YAML.
func Encode(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// ApplyEnv overrides cfg from PROVER_* variables read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = i
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	// Coq
	str("PROVER_SERTOP", &cfg.Coq.Executable)
	str("PROVER_PRELUDE", &cfg.Coq.Prelude)
	dur("PROVER_COMMAND_TIMEOUT", &cfg.Coq.CommandTimeout)
	dur("PROVER_STARTUP_TIMEOUT", &cfg.Coq.StartupTimeout)

	// Search
	num("PROVER_WIDTH", &cfg.Search.Width)
	num("PROVER_DEPTH", &cfg.Search.Depth)
	num("PROVER_MAX_EVALUATIONS", &cfg.Search.MaxEvaluations)
	dur("PROVER_OBLIGATION_TIMEOUT", &cfg.Search.Timeout)
	flag("PROVER_VERIFY_ROLLBACK", &cfg.Search.VerifyRollback)

	// Oracle
	str("PROVER_ORACLE", &cfg.Oracle.Kind)
	str("PROVER_ORACLE_ENDPOINT", &cfg.Oracle.Endpoint)
	str("PROVER_ORACLE_MODEL", &cfg.Oracle.Model)
	if v, ok := lookup("PROVER_ORACLE_TACTICS"); ok && v != "" {
		cfg.Oracle.Tactics = splitList(v)
	}

	// Workers
	num("PROVER_WORKERS", &cfg.Workers.Count)

	// Storage
	str("PROVER_DB_PATH", &cfg.Storage.Path)

	// Logging and telemetry
	str("PROVER_LOG_LEVEL", &cfg.Logging.Level)
	str("PROVER_LOG_FORMAT", &cfg.Logging.Format)
	str("PROVER_LOG_DIR", &cfg.Logging.Dir)
	str("PROVER_TRACING", &cfg.Telemetry.Tracing)
	str("PROVER_METRICS_ADDR", &cfg.Telemetry.MetricsAddr)

	if len(errs) > 0 {
		return fmt.Errorf("environment: %w", errors.Join(errs...))
	}
	return nil
}

// splitList splits a ";"-separated tactic list. Tactics contain commas
// and spaces, so neither separates.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ";") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the combinations between sections.
//
// Outputs:
//   - error: Wraps ErrInvalid with one line per problem, or nil.
func (c Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		for _, fe := range verrs {
			errs = append(errs, describe(fe))
		}
	}
	switch {
	case c.Oracle.Kind == OracleFixed && len(c.Oracle.Tactics) == 0:
		errs = append(errs, errors.New("Oracle.Tactics: required for the fixed oracle"))
	case c.Oracle.Kind == OracleHTTP && c.Oracle.Endpoint == "":
		errs = append(errs, errors.New("Oracle.Endpoint: required for the http oracle"))
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		errs = append(errs, errors.New("Storage.Path: required unless in_memory"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func describe(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() == "" {
		return fmt.Errorf("%s: failed %q (got %v)", field, fe.Tag(), fe.Value())
	}
	return fmt.Errorf("%s: failed %q %s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
}

// Launch returns the sertop launch configuration.
func (c CoqConfig) Launch() serapi.LaunchConfig {
	return serapi.LaunchConfig{
		Executable:     c.Executable,
		Prelude:        c.Prelude,
		Includes:       c.Includes,
		ExtraArgs:      c.ExtraArgs,
		WorkDir:        c.WorkDir,
		CommandTimeout: c.CommandTimeout,
		StartupTimeout: c.StartupTimeout,
	}
}

// Engine returns the search engine configuration.
func (c SearchConfig) Engine() search.Config {
	return search.Config{
		Width:          c.Width,
		Depth:          c.Depth,
		Probe:          c.Probe,
		MaxEvaluations: c.MaxEvaluations,
		Timeout:        c.Timeout,
		VerifyRollback: c.VerifyRollback,
	}
}

// Pool returns the orchestrator configuration.
func (c WorkersConfig) Pool() orchestrator.Config {
	return orchestrator.Config{
		Workers:         c.Count,
		RestartInterval: c.RestartInterval,
		RestartBurst:    c.RestartBurst,
	}
}

// Badger returns the results database configuration.
func (c StorageConfig) Badger() badger.Config {
	if c.InMemory {
		return badger.InMemoryConfig()
	}
	return badger.DefaultConfig(c.Path)
}
