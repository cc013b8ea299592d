// Copyright Pigeonworks LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor runs the backend environment process and drives it
// through its lifecycle:
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//
// Starting becomes Running when the readiness marker shows up in the
// backend's combined output. Any exit, requested or not, ends in Stopped.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pigeonworks-llc/go-distrogate/pkg/distro"
	"github.com/pigeonworks-llc/go-distrogate/pkg/metrics"
	"github.com/pigeonworks-llc/go-distrogate/pkg/notify"
	"github.com/pigeonworks-llc/go-distrogate/pkg/session"
)

const (
	// DefaultReadinessMarker is the output line fragment that means the backend accepts connections.
	DefaultReadinessMarker = "AIAgent.ini Network Settings:"
	// DefaultGracefulTimeout is how long a graceful stop waits before killing.
	DefaultGracefulTimeout = 5 * time.Second
	// DefaultKillWait bounds the wait for exit after a kill.
	DefaultKillWait = 3 * time.Second
	// DefaultTerminateTimeout bounds the external termination command.
	DefaultTerminateTimeout = 30 * time.Second
	// DefaultShutdownInput is written to stdin to ask the backend to exit.
	DefaultShutdownInput = "\n"

	maxLineBytes   = 1024 * 1024
	readBufferSize = 64 * 1024
)

// Launcher builds the backend process and tears the environment down.
type Launcher interface {
	// Command returns an unstarted command. Stdin, Stdout and Stderr are set
	// by the supervisor.
	Command() *exec.Cmd
	// Terminate shuts the environment down. It must succeed when nothing runs.
	Terminate(ctx context.Context) error
}

// Config holds supervisor tunables.
type Config struct {
	ReadinessMarker  string
	GracefulTimeout  time.Duration
	KillWait         time.Duration
	TerminateTimeout time.Duration
	ShutdownInput    string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ReadinessMarker:  DefaultReadinessMarker,
		GracefulTimeout:  DefaultGracefulTimeout,
		KillWait:         DefaultKillWait,
		TerminateTimeout: DefaultTerminateTimeout,
		ShutdownInput:    DefaultShutdownInput,
	}
}

// process is one spawned backend. done is closed by the stream consumer once
// cmd.Wait has returned; nothing else calls Wait.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *os.File
	done   chan struct{}

	stopRequested atomic.Bool
	exitErr       error
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type transition struct {
	from, to State
}

// Supervisor owns the backend process handle.
type Supervisor struct {
	config    *Config
	launcher  Launcher
	presenter notify.Presenter
	metrics   metrics.Recorder
	logger    *slog.Logger

	onReady      func(ctx context.Context)
	onTransition func(Snapshot)

	mu      sync.Mutex
	state   State
	session *session.Session
	proc    *process
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPresenter sets where backend output and lifecycle events go.
func WithPresenter(p notify.Presenter) Option {
	return func(s *Supervisor) {
		if p != nil {
			s.presenter = p
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(s *Supervisor) { s.metrics = metrics.OrNoop(m) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReadyHook registers fn to run in its own goroutine when a session
// becomes ready. It is where the address resolver gets its forced refresh.
func WithReadyHook(fn func(ctx context.Context)) Option {
	return func(s *Supervisor) { s.onReady = fn }
}

// WithTransitionHook registers fn to observe every state change. fn is called
// without the supervisor lock held, in transition order per caller.
func WithTransitionHook(fn func(Snapshot)) Option {
	return func(s *Supervisor) { s.onTransition = fn }
}

// New creates a supervisor. A nil config uses DefaultConfig.
func New(launcher Launcher, config *Config, opts ...Option) *Supervisor {
	if config == nil {
		config = DefaultConfig()
	}
	c := *config
	def := DefaultConfig()
	if c.ReadinessMarker == "" {
		c.ReadinessMarker = def.ReadinessMarker
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = def.GracefulTimeout
	}
	if c.KillWait <= 0 {
		c.KillWait = def.KillWait
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = def.TerminateTimeout
	}
	if c.ShutdownInput == "" {
		c.ShutdownInput = def.ShutdownInput
	}

	s := &Supervisor{
		config:    &c,
		launcher:  launcher,
		presenter: notify.Discard,
		metrics:   metrics.Noop{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		state:     Stopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns the most recent session, or nil before the first start.
// The proxy reads readiness and records connectivity through it.
func (s *Supervisor) Session() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Snapshot returns the current state and session details.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() Snapshot {
	snap := Snapshot{State: s.state}
	if s.session != nil {
		snap.SessionID = s.session.ID
		snap.StartedAt = s.session.StartedAt
		snap.Ready = s.session.Ready()
	}
	if s.proc != nil && s.proc.cmd.Process != nil {
		snap.PID = s.proc.cmd.Process.Pid
	}
	return snap
}

// Done returns a channel closed when the current backend process has exited.
// With no process it returns a closed channel.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.proc.done
}

// Start spawns the backend and begins consuming its output. It returns once
// the process is running; readiness is reported asynchronously.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Stopped {
		st := s.state
		s.mu.Unlock()
		s.logger.Info("start rejected", "state", st)
		s.notice(notify.SeverityInfo, "The server is already running or starting.")
		return ErrAlreadyRunning
	}

	s.state = Starting
	s.session = session.New()
	sess := s.session
	s.mu.Unlock()
	s.emit(transition{Stopped, Starting})

	p, err := s.spawn()
	if err != nil {
		s.mu.Lock()
		from := s.state
		if s.session == sess {
			s.state = Stopped
		}
		s.mu.Unlock()
		s.emit(transition{from, Stopped})

		s.logger.Error("failed to start backend", "error", err)
		s.presenter.Notify(notify.New(notify.KindStartupFailure, notify.SeverityError,
			fmt.Sprintf("The server could not be started: %v", err)))
		return fmt.Errorf("%w: %v", ErrStartupFailure, err)
	}

	s.mu.Lock()
	s.proc = p
	aborted := s.state != Starting || s.session != sess
	if aborted {
		p.stopRequested.Store(true)
	}
	s.mu.Unlock()

	if aborted {
		// A stop ran while spawning and saw no process to stop.
		go s.consume(sess, p)
		s.logger.Info("stop requested during startup, killing backend", "pid", p.cmd.Process.Pid)
		s.kill(p)
		s.finish(p)
		sess.ClearReady()
		return ErrStartAborted
	}

	s.logger.Info("backend started", "pid", p.cmd.Process.Pid, "session", sess.ID)
	s.notice(notify.SeverityInfo, "The backend is starting up.")
	s.emit(transition{Starting, Starting})

	go s.consume(sess, p)
	return nil
}

// spawn starts the launcher's command with stdin piped and stdout and stderr
// merged into a single pipe.
func (s *Supervisor) spawn() (*process, error) {
	cmd := s.launcher.Command()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to open output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	// The child holds its own copy; ours must go so EOF arrives on exit.
	w.Close()

	return &process{
		cmd:    cmd,
		stdin:  stdin,
		output: r,
		done:   make(chan struct{}),
	}, nil
}

// consume relays output lines in order, watches for the readiness marker and
// reaps the process when the stream ends. It is the only writer of readiness.
func (s *Supervisor) consume(sess *session.Session, p *process) {
	reader := bufio.NewReaderSize(p.output, readBufferSize)
	for {
		raw, truncated, err := readLine(reader, maxLineBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("backend output read failed", "error", err)
			}
			break
		}
		if truncated {
			s.logger.Warn("backend output line truncated", "limit", maxLineBytes)
		}

		line := distro.StripNUL(strings.TrimRight(string(raw), "\r"))
		s.presenter.Line(line)

		if !p.stopRequested.Load() && !sess.Ready() && strings.Contains(line, s.config.ReadinessMarker) {
			s.markReady(sess)
		}
	}
	p.output.Close()

	p.exitErr = p.cmd.Wait()
	close(p.done)

	if !s.finish(p) || p.stopRequested.Load() {
		return
	}

	var exitErr *exec.ExitError
	switch {
	case p.exitErr == nil:
		s.logger.Info("backend exited")
		s.presenter.Notify(notify.New(notify.KindExited, notify.SeverityInfo, "The backend has stopped."))
	case errors.As(p.exitErr, &exitErr):
		s.logger.Warn("backend exited", "code", exitErr.ExitCode())
		s.presenter.Notify(notify.New(notify.KindExited, notify.SeverityWarning,
			fmt.Sprintf("The backend exited with code %d.", exitErr.ExitCode())))
	default:
		s.logger.Warn("backend exited", "error", p.exitErr)
		s.presenter.Notify(notify.New(notify.KindExited, notify.SeverityWarning,
			fmt.Sprintf("The backend exited: %v", p.exitErr)))
	}
}

// readLine returns the next line without its terminator. Lines longer than
// limit are cut to limit bytes and the rest is discarded.
func readLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var line []byte
	truncated := false
	for {
		chunk, more, err := r.ReadLine()
		if err != nil {
			return line, truncated, err
		}
		if room := limit - len(line); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		line = append(line, chunk...)
		if !more {
			if line == nil {
				line = []byte{}
			}
			return line, truncated, nil
		}
	}
}

func (s *Supervisor) markReady(sess *session.Session) {
	if !sess.MarkReady() {
		return
	}

	s.mu.Lock()
	promoted := s.session == sess && s.state == Starting
	if promoted {
		s.state = Running
	}
	s.mu.Unlock()
	if promoted {
		s.emit(transition{Starting, Running})
	}

	s.logger.Info("backend ready", "session", sess.ID)
	s.presenter.Notify(notify.New(notify.KindReady, notify.SeveritySuccess, "The server is ready."))

	if s.onReady != nil {
		go s.onReady(context.Background())
	}
}

// StopGraceful asks the backend to exit, kills it after the graceful timeout,
// and then terminates the environment.
func (s *Supervisor) StopGraceful(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	p := s.proc
	sess := s.session
	if !st.Active() {
		s.mu.Unlock()
		s.notice(notify.SeverityInfo, "The server is not currently running.")
		if st == Stopping {
			_ = s.terminate(ctx)
		}
		return ErrNotRunning
	}
	s.state = Stopping
	s.mu.Unlock()
	s.emit(transition{st, Stopping})

	sess.ClearReady()

	if p != nil && !p.exited() {
		p.stopRequested.Store(true)
		if _, err := io.WriteString(p.stdin, s.config.ShutdownInput); err != nil {
			s.logger.Warn("failed to send shutdown input", "error", err)
		}

		timer := time.NewTimer(s.config.GracefulTimeout)
		select {
		case <-p.done:
			timer.Stop()
		case <-timer.C:
			s.logger.Warn("backend did not exit in time, killing", "timeout", s.config.GracefulTimeout)
			s.kill(p)
			s.notice(notify.SeverityWarning, "The backend did not exit in time and was killed.")
		case <-ctx.Done():
			timer.Stop()
			s.kill(p)
		}
	}

	err := s.terminate(ctx)
	if p != nil {
		s.finish(p)
	}
	sess.ClearReady()
	s.notice(notify.SeveritySuccess, "The server has stopped.")
	return err
}

// StopForce terminates the environment, then kills the process if it is
// still alive. It is safe from any state and may race with StopGraceful.
func (s *Supervisor) StopForce(ctx context.Context) error {
	err := s.terminate(ctx)

	s.mu.Lock()
	st := s.state
	p := s.proc
	sess := s.session
	if st.Active() {
		s.state = Stopping
	}
	s.mu.Unlock()
	if st.Active() {
		s.emit(transition{st, Stopping})
	}

	sess.ClearReady()

	if p == nil {
		s.logger.Debug("force stop with no backend process")
		return err
	}

	p.stopRequested.Store(true)
	s.kill(p)
	s.finish(p)
	sess.ClearReady()
	s.notice(notify.SeveritySuccess, "The server has been forcefully stopped.")
	return err
}

// kill kills p and waits, bounded, for the consumer to reap it. If the output
// pipe is held open by an orphaned grandchild, closing our end unblocks the
// consumer.
func (s *Supervisor) kill(p *process) {
	if p.exited() {
		return
	}
	if err := killTree(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Debug("kill failed", "error", err)
	}

	select {
	case <-p.done:
		return
	case <-time.After(s.config.KillWait):
	}

	s.logger.Warn("backend output still open after kill, closing it")
	p.output.Close()
	select {
	case <-p.done:
	case <-time.After(s.config.KillWait):
		s.logger.Error("backend process did not exit after kill")
	}
}

// finish moves to Stopped if p is still the current process. It reports
// whether this call performed the transition.
func (s *Supervisor) finish(p *process) bool {
	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return false
	}
	var ts []transition
	from := s.state
	if from.Active() {
		ts = append(ts, transition{from, Stopping})
		from = Stopping
	}
	if from != Stopped {
		ts = append(ts, transition{from, Stopped})
	}
	s.state = Stopped
	s.proc = nil
	s.mu.Unlock()

	s.emit(ts...)
	return true
}

func (s *Supervisor) terminate(ctx context.Context) error {
	tctx, cancel := context.WithTimeout(ctx, s.config.TerminateTimeout)
	defer cancel()

	if err := s.launcher.Terminate(tctx); err != nil {
		s.logger.Warn("failed to terminate backend environment", "error", err)
		s.notice(notify.SeverityWarning, fmt.Sprintf("Failed to terminate the backend environment: %v", err))
		return fmt.Errorf("failed to terminate backend environment: %w", err)
	}
	return nil
}

func (s *Supervisor) notice(severity notify.Severity, text string) {
	s.presenter.Notify(notify.New(notify.KindNotice, severity, text))
}

// emit reports transitions to metrics and the transition hook. A transition
// whose from and to are equal only refreshes observers.
func (s *Supervisor) emit(ts ...transition) {
	for _, t := range ts {
		if t.from != t.to {
			s.logger.Debug("session state changed", "from", t.from, "to", t.to)
			s.metrics.SessionTransition(t.from.String(), t.to.String())
		}
	}
	if s.onTransition != nil && len(ts) > 0 {
		s.onTransition(s.Snapshot())
	}
}
