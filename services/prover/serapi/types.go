// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package serapi

import (
	"log/slog"
	"time"
)

// DefaultExecutable is the SerAPI server binary name.
const DefaultExecutable = "sertop"

// Default timeouts.
const (
	DefaultCommandTimeout = 30 * time.Second
	DefaultStartupTimeout = 60 * time.Second
)

// =============================================================================
// LAUNCH CONFIGURATION
// =============================================================================

// Include maps a directory to a logical path.
type Include struct {
	// Dir is the physical directory.
	Dir string `yaml:"dir" validate:"required"`

	// Logical is the logical path prefix, e.g. "Foo.Bar".
	Logical string `yaml:"logical"`

	// Recursive selects -R instead of -Q.
	Recursive bool `yaml:"recursive"`
}

// flag returns the sertop argument for the include.
func (i Include) flag() []string {
	opt := "-Q"
	if i.Recursive {
		opt = "-R"
	}
	return []string{opt, i.Dir + "," + i.Logical}
}

// LaunchConfig describes how to start sertop.
type LaunchConfig struct {
	// Executable is a path or a name resolved through PATH.
	Executable string

	// Prelude is the Coq installation root passed as --prelude.
	Prelude string

	// Includes are load-path mappings.
	Includes []Include

	// ExtraArgs are appended after the generated flags.
	ExtraArgs []string

	// Env entries are added to the inherited environment.
	Env []string

	// WorkDir is the process working directory.
	WorkDir string

	// CommandTimeout bounds each command round trip.
	CommandTimeout time.Duration

	// StartupTimeout bounds spawn plus handshake.
	StartupTimeout time.Duration
}

// withDefaults fills zero fields.
func (c LaunchConfig) withDefaults() LaunchConfig {
	if c.Executable == "" {
		c.Executable = DefaultExecutable
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	return c
}

// args builds the sertop command line.
func (c LaunchConfig) args() []string {
	var args []string
	if c.Prelude != "" {
		args = append(args, "--prelude="+c.Prelude)
	}
	for _, inc := range c.Includes {
		args = append(args, inc.flag()...)
	}
	return append(args, c.ExtraArgs...)
}

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures a Session.
type Option func(*options)

type options struct {
	logger *slog.Logger
	name   string
}

// WithLogger sets the session logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithName labels the session in logs and spans, typically the file path.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// =============================================================================
// HISTORY
// =============================================================================

// historyEntry is one accepted command.
type historyEntry struct {
	// Command is the submitted text.
	Command string

	// StateIDs are the states the prover created for it, in order.
	StateIDs []int

	// ProofMode is true when a proof was open after the command.
	ProofMode bool
}
