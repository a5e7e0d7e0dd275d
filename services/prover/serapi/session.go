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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

// gracePeriod is how long Close waits for sertop to exit on stdin EOF
// before killing its process group.
const gracePeriod = 500 * time.Millisecond

// proofEndPattern matches a command whose last sentence closes a proof.
var proofEndPattern = regexp.MustCompile(`(?:^|\s)(?:Qed|Defined|Admitted|Abort|Save)\b[^.]*\.\s*$`)

// =============================================================================
// SESSION
// =============================================================================

// Session owns one sertop process and the history of accepted commands.
//
// Description:
//
//	Invariant: replaying History() from an empty document reproduces the
//	prover's current position. Every accepted command is pushed exactly
//	once; CancelLast cancels in the prover and pops in the same call.
//
//	A timeout, an unrecognized message or a failed cancel breaks the
//	session. Every later operation returns ErrSessionBroken until Recover
//	restarts the process.
//
// Thread Safety:
//
//	Operations are serialized by an internal mutex, so no two commands are
//	ever in flight on one process. A session is meant to be owned by one
//	worker; the mutex only makes Close safe from another goroutine.
type Session struct {
	cfg    LaunchConfig
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	proc     *process
	history  []historyEntry
	snapshot proofstate.Snapshot
	broken   error
	closed   bool
}

// process is one running sertop.
type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	protocol *Protocol
	cancel   context.CancelFunc
	readDone chan struct{}
	stderr   *tailBuffer
}

// Start spawns sertop and performs the startup handshake.
//
// Description:
//
//	Resolves the executable, checks the prelude and include directories,
//	starts the process in its own process group and waits until a goals
//	query completes, all within cfg.StartupTimeout.
//
// Inputs:
//
//	ctx - Context for the launch.
//	cfg - Launch configuration. Zero timeouts take defaults.
//	opts - Logger and name.
//
// Outputs:
//
//	*Session - A ready session positioned at the empty document.
//	error - A *LaunchError (errors.Is ErrLaunch) on failure.
func Start(ctx context.Context, cfg LaunchConfig, opts ...Option) (*Session, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		cfg:    cfg.withDefaults(),
		name:   o.name,
		logger: o.logger.With(slog.String("session", o.name)),
	}
	goals, err := s.launch(ctx)
	if err != nil {
		return nil, err
	}
	s.snapshot = proofstate.Snapshot{Subgoals: goals.Subgoals, Background: goals.Background}
	return s, nil
}

// launch starts a process and stores it in s.proc.
func (s *Session) launch(ctx context.Context) (proofstate.Goals, error) {
	cfg := s.cfg

	path, err := exec.LookPath(cfg.Executable)
	if err != nil {
		s.logger.Warn("sertop not installed", slog.String("executable", cfg.Executable))
		return proofstate.Goals{}, &LaunchError{Executable: cfg.Executable, Stage: "resolve", Err: err}
	}
	for _, dir := range cfg.dirs() {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			if err == nil {
				err = fmt.Errorf("%s is not a directory", dir)
			}
			return proofstate.Goals{}, &LaunchError{Executable: path, Stage: "config", Err: err}
		}
	}

	s.logger.Info("Starting sertop",
		slog.String("executable", path),
		slog.Any("args", cfg.args()),
	)

	startCtx, cancelStart := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancelStart()

	// process lifetime is independent of the caller's context
	procCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(procCtx, path, cfg.args()...)
	cmd.Dir = cfg.WorkDir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return proofstate.Goals{}, &LaunchError{Executable: path, Stage: "spawn", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return proofstate.Goals{}, &LaunchError{Executable: path, Stage: "spawn", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		recordRestart(ctx, false)
		return proofstate.Goals{}, &LaunchError{Executable: path, Stage: "spawn", Err: err}
	}

	p := &process{
		cmd:      cmd,
		stdin:    stdin,
		protocol: NewProtocol(stdout, stdin, s.logger),
		cancel:   cancel,
		readDone: make(chan struct{}),
		stderr:   stderr,
	}
	go func() {
		defer close(p.readDone)
		if err := p.protocol.ReadLoop(procCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("sertop read loop stopped", slog.String("error", err.Error()))
		}
	}()

	goals, err := queryGoals(startCtx, p.protocol)
	if err != nil {
		_ = p.stop(s.logger)
		if errors.Is(err, ErrTimedOut) {
			err = fmt.Errorf("handshake not completed within %s", cfg.StartupTimeout)
		}
		if tail := stderr.String(); tail != "" {
			err = fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(tail))
		}
		return proofstate.Goals{}, &LaunchError{Executable: path, Stage: "handshake", Err: err}
	}

	s.proc = p
	s.logger.Info("sertop ready", slog.Int("pid", cmd.Process.Pid))
	return goals, nil
}

// dirs lists directories that must exist before launch.
func (c LaunchConfig) dirs() []string {
	var out []string
	if c.Prelude != "" {
		out = append(out, c.Prelude)
	}
	for _, inc := range c.Includes {
		out = append(out, inc.Dir)
	}
	if c.WorkDir != "" {
		out = append(out, c.WorkDir)
	}
	return out
}

// stop ends the process: stdin EOF, a grace period, then a group kill.
func (p *process) stop(logger *slog.Logger) error {
	p.protocol.Close()
	_ = p.stdin.Close()

	select {
	case <-p.readDone:
	case <-time.After(gracePeriod):
	}

	killErr := killProcessGroup(p.cmd)
	p.cancel()
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			logger.Debug("sertop wait", slog.String("error", err.Error()))
		}
	}

	select {
	case <-p.readDone:
	case <-time.After(5 * time.Second):
		logger.Warn("sertop read loop did not stop")
	}
	return killErr
}

// =============================================================================
// COMMANDS
// =============================================================================

// Submit sends one command and waits until it is executed.
//
// Description:
//
//	Adds the command, executes every state it created and re-queries the
//	goals. On success the command is pushed onto the history. A rejection
//	cancels any states the command created and leaves the history
//	unchanged. The command runs to completion or CommandTimeout even if
//	ctx is cancelled, so a shutdown never leaves a half-applied command.
//
// Inputs:
//
//	ctx - Carries trace context. Its cancellation does not interrupt the
//	      command.
//	command - One or more sentences.
//
// Outputs:
//
//	proofstate.Snapshot - The new snapshot, a copy.
//	error - *StepError (recoverable), ErrTimedOut, or another fatal error.
func (s *Session) Submit(ctx context.Context, command string) (proofstate.Snapshot, error) {
	ctx, span := startSessionSpan(ctx, "Submit", s.name)
	defer span.End()
	span.SetAttributes(attribute.String("serapi.command", command))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return proofstate.Snapshot{}, err
	}

	start := time.Now()
	cctx, cancel := s.commandContext(ctx)
	defer cancel()

	entry, goals, err := s.submit(cctx, command)
	recordCommand(ctx, "submit", outcomeLabel(err), time.Since(start))
	if err != nil {
		s.fault(err)
		if IsFatal(err) {
			span.SetStatus(codes.Error, err.Error())
		}
		return proofstate.Snapshot{}, err
	}

	s.history = append(s.history, entry)
	s.recompute(goals)
	span.SetAttributes(attribute.Int("serapi.depth", len(s.history)))
	return s.snapshot.Clone(), nil
}

// submit runs Add, Exec and the goals query. It does not touch history.
func (s *Session) submit(ctx context.Context, command string) (historyEntry, proofstate.Goals, error) {
	proto := s.proc.protocol

	answers, err := proto.Exchange(ctx, addCmd(command))
	if err != nil {
		return historyEntry{}, proofstate.Goals{}, err
	}
	var sids []int
	for _, a := range answers {
		switch a.Kind {
		case KindAck:
			sids = append(sids, a.StateIDs...)
		case KindError:
			if err := s.cancelStates(ctx, sids); err != nil {
				return historyEntry{}, proofstate.Goals{}, err
			}
			return historyEntry{}, proofstate.Goals{}, &StepError{Command: command, Message: a.Message}
		default:
			return historyEntry{}, proofstate.Goals{}, &UnrecognizedError{Raw: a.Raw, Reason: "unexpected answer to Add"}
		}
	}

	for _, sid := range sids {
		answers, err := proto.Exchange(ctx, execCmd(sid))
		if err != nil {
			return historyEntry{}, proofstate.Goals{}, err
		}
		if msg, rejected := firstError(answers); rejected {
			if err := s.cancelStates(ctx, sids); err != nil {
				return historyEntry{}, proofstate.Goals{}, err
			}
			return historyEntry{}, proofstate.Goals{}, &StepError{Command: command, Message: msg}
		}
	}

	goals, err := queryGoals(ctx, proto)
	if err != nil {
		return historyEntry{}, proofstate.Goals{}, err
	}

	mode := goals.Open() > 0
	if n := len(s.history); n > 0 && s.history[n-1].ProofMode && !proofEndPattern.MatchString(command) {
		mode = true
	}
	return historyEntry{Command: command, StateIDs: sids, ProofMode: mode}, goals, nil
}

// cancelStates removes sids (and their dependents) from the document.
func (s *Session) cancelStates(ctx context.Context, sids []int) error {
	if len(sids) == 0 {
		return nil
	}
	answers, err := s.proc.protocol.Exchange(ctx, cancelCmd(sids[0]))
	if err != nil {
		return err
	}
	if msg, rejected := firstError(answers); rejected {
		return fmt.Errorf("%w: state %d: %s", ErrCancelFailed, sids[0], msg)
	}
	return nil
}

// CancelLast undoes the last n accepted commands.
//
// Description:
//
//	Sends a single Cancel for the oldest of the n commands; the prover
//	drops every later state with it. Pops n history entries and
//	re-queries the goals.
//
// Inputs:
//
//	ctx - Carries trace context. Cancellation does not interrupt the
//	      command.
//	n - Number of commands to undo. 0 is a no-op.
//
// Outputs:
//
//	error - ErrHistoryUnderflow if n < 0 or n > Depth(), otherwise a fatal
//	        session error.
func (s *Session) CancelLast(ctx context.Context, n int) error {
	ctx, span := startSessionSpan(ctx, "CancelLast", s.name)
	defer span.End()
	span.SetAttributes(attribute.Int("serapi.count", n))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}

	start := time.Now()
	err := s.cancelLast(ctx, n)
	recordCommand(ctx, "cancel", outcomeLabel(err), time.Since(start))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Session) cancelLast(ctx context.Context, n int) error {
	if n < 0 || n > len(s.history) {
		s.logger.Error("History underflow",
			slog.Int("requested", n),
			slog.Int("depth", len(s.history)),
		)
		return fmt.Errorf("%w: cancel %d of %d", ErrHistoryUnderflow, n, len(s.history))
	}
	if n == 0 {
		return nil
	}

	cctx, cancel := s.commandContext(ctx)
	defer cancel()

	keep := len(s.history) - n
	for _, e := range s.history[keep:] {
		if len(e.StateIDs) > 0 {
			if err := s.cancelStates(cctx, e.StateIDs); err != nil {
				s.fault(err)
				return err
			}
			break
		}
	}
	s.history = s.history[:keep]

	goals, err := queryGoals(cctx, s.proc.protocol)
	if err != nil {
		s.fault(err)
		return err
	}
	s.recompute(goals)
	return nil
}

// AbortProof cancels back to just before the command that opened the
// current proof. No-op outside a proof.
func (s *Session) AbortProof(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	n := s.proofDepth()
	if n == 0 {
		return nil
	}
	s.logger.Debug("Aborting open proof", slog.Int("commands", n))
	return s.cancelLast(ctx, n)
}

// Recover restarts sertop and replays the first depth history commands.
//
// Description:
//
//	Used after a timeout or process fault. The old process group is
//	killed, a new process is launched with the same configuration and the
//	retained commands are resubmitted in order. On success the session is
//	usable again and Depth() == depth.
//
// Inputs:
//
//	ctx - Context for the launch.
//	depth - Number of history entries to keep.
//
// Outputs:
//
//	error - ErrHistoryUnderflow for a bad depth, a *LaunchError, or the
//	        failure of a replayed command.
func (s *Session) Recover(ctx context.Context, depth int) error {
	ctx, span := startSessionSpan(ctx, "Recover", s.name)
	defer span.End()
	span.SetAttributes(attribute.Int("serapi.depth", depth))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if depth < 0 || depth > len(s.history) {
		return fmt.Errorf("%w: recover to %d of %d", ErrHistoryUnderflow, depth, len(s.history))
	}

	s.logger.Info("Restarting sertop",
		slog.Int("replay", depth),
		slog.Any("cause", s.broken),
	)

	replay := make([]string, depth)
	for i, e := range s.history[:depth] {
		replay[i] = e.Command
	}

	if s.proc != nil {
		_ = s.proc.stop(s.logger)
		s.proc = nil
	}
	s.history = nil
	s.snapshot = proofstate.Snapshot{}
	s.broken = ErrSessionBroken

	goals, err := s.launch(ctx)
	if err != nil {
		recordRestart(ctx, false)
		s.broken = err
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.broken = nil
	s.recompute(goals)

	for _, cmd := range replay {
		cctx, cancel := s.commandContext(ctx)
		entry, goals, err := s.submit(cctx, cmd)
		cancel()
		if err != nil {
			err = fmt.Errorf("replay %q: %w", cmd, err)
			s.broken = err
			recordRestart(ctx, false)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		s.history = append(s.history, entry)
		s.recompute(goals)
	}

	recordRestart(ctx, true)
	return nil
}

// Close terminates the process group and waits for it. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.proc == nil {
		return nil
	}
	s.logger.Info("Stopping sertop", slog.Int("depth", len(s.history)))
	err := s.proc.stop(s.logger)
	s.proc = nil
	return err
}

// =============================================================================
// ACCESSORS
// =============================================================================

// CurrentSnapshot returns a copy of the last known snapshot. No prover
// traffic.
func (s *Session) CurrentSnapshot() proofstate.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

// InProof reports whether the last known snapshot has an open goal.
func (s *Session) InProof() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.InProof()
}

// Depth returns the number of accepted commands.
func (s *Session) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// History returns the accepted commands, oldest first.
func (s *Session) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	for i, e := range s.history {
		out[i] = e.Command
	}
	return out
}

// ProofDepth returns the number of history entries that belong to the open
// proof, the opening statement included. 0 outside a proof.
func (s *Session) ProofDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proofDepth()
}

// Broken reports whether the session needs Recover.
func (s *Session) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken != nil
}

// Name returns the session label.
func (s *Session) Name() string { return s.name }

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (s *Session) usable() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.broken != nil {
		return fmt.Errorf("%w: %v", ErrSessionBroken, s.broken)
	}
	if s.proc == nil {
		return ErrSessionBroken
	}
	return nil
}

// commandContext bounds one command by CommandTimeout, detached from the
// caller's cancellation.
func (s *Session) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommandTimeout)
}

// fault marks the session broken for fatal errors.
func (s *Session) fault(err error) {
	if !IsFatal(err) || s.broken != nil {
		return
	}
	s.broken = err
	s.logger.Error("Session broken", slog.String("error", err.Error()))
}

// proofStart returns the index of the entry that opened the current proof,
// or -1.
func (s *Session) proofStart() int {
	top := len(s.history) - 1
	if top < 0 || !s.history[top].ProofMode {
		return -1
	}
	j := top
	for j > 0 && s.history[j-1].ProofMode {
		j--
	}
	return j
}

func (s *Session) proofDepth() int {
	start := s.proofStart()
	if start < 0 {
		return 0
	}
	return len(s.history) - start
}

// recompute rebuilds the snapshot from the history and fresh goals.
func (s *Session) recompute(goals proofstate.Goals) {
	var prev []string
	if start := s.proofStart(); start >= 0 {
		for _, e := range s.history[start+1:] {
			prev = append(prev, e.Command)
		}
	}
	s.snapshot = proofstate.Snapshot{
		PrevTactics: prev,
		Subgoals:    goals.Subgoals,
		Background:  goals.Background,
	}
}

// queryGoals asks for the current goals.
func queryGoals(ctx context.Context, proto *Protocol) (proofstate.Goals, error) {
	answers, err := proto.Exchange(ctx, goalsQuery)
	if err != nil {
		return proofstate.Goals{}, err
	}
	for _, a := range answers {
		switch a.Kind {
		case KindGoalState:
			return a.Goals, nil
		case KindError:
			return proofstate.Goals{}, &UnrecognizedError{Raw: a.Raw, Reason: "goals query rejected: " + a.Message}
		}
	}
	return proofstate.Goals{}, nil
}

// firstError returns the message of the first error answer.
func firstError(answers []Outcome) (string, bool) {
	for _, a := range answers {
		if a.Kind == KindError {
			return a.Message, true
		}
	}
	return "", false
}

func isStepRejected(err error) bool { return errors.Is(err, ErrStepRejected) }

func isTimeout(err error) bool { return errors.Is(err, ErrTimedOut) }

// =============================================================================
// STDERR TAIL
// =============================================================================

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

// Write implements io.Writer.
func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
