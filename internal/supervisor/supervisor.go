// Package supervisor manages the AI service child process. It owns the
// process handle exclusively: no other component may signal or
// terminate the child. Start attempts are serialized through a
// single-flight guard so concurrent callers share one attempt instead
// of spawning duplicate processes.
package supervisor

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/puntaiq/aigate/internal/observability"
)

// startKey is the single-flight key; there is exactly one supervised
// process, so all callers share it.
const startKey = "start"

// Config holds the fixed launch configuration for the AI service.
// Nothing here is ever derived from request data.
type Config struct {
	Command         string
	Args            []string
	Dir             string
	ReadyMarker     string
	MaxAttempts     int
	StartupTimeout  time.Duration
	StopGracePeriod time.Duration
}

// Supervisor owns the AI service child process lifecycle.
// State machine: Idle -> Starting -> {Running, Failed}.
type Supervisor struct {
	cfg     Config
	logger  observability.Logger
	metrics *observability.Metrics
	group   singleflight.Group

	mu             sync.Mutex
	state          State
	attempts       int
	proc           *process
	stopping       bool
	lastTransition time.Time
}

// process is a handle to one spawned child.
type process struct {
	cmd  *exec.Cmd
	done chan struct{} // closed once Wait returns
	err  error         // exit error, valid after done is closed
}

// Option is a functional option for configuring the supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger for the supervisor.
func WithLogger(logger observability.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink for the supervisor.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// New creates a supervisor for the configured AI service process.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:            cfg,
		logger:         observability.NopLogger(),
		state:          StateIdle,
		lastTransition: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// EnsureRunning makes sure the AI service is up, starting it if
// necessary. Concurrent callers while a start is in flight share that
// attempt's outcome rather than spawning a second process. Once
// attempts are exhausted the failure is terminal until Reset.
//
// The caller's context bounds only its own wait; an in-flight start
// attempt is owned by the supervisor and keeps running under its own
// startup timeout.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	attempts := s.attempts
	s.mu.Unlock()

	if state == StateRunning {
		return nil
	}
	if state != StateStarting && attempts >= s.cfg.MaxAttempts {
		return ErrAttemptsExhausted
	}

	ch := s.group.DoChan(startKey, func() (interface{}, error) {
		return nil, s.start()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start performs one start attempt. Only one invocation runs at a time;
// the single-flight group guarantees it.
func (s *Supervisor) start() error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	if s.attempts >= s.cfg.MaxAttempts {
		s.transitionLocked(StateFailed)
		s.mu.Unlock()
		return ErrAttemptsExhausted
	}
	s.attempts++
	attempt := s.attempts
	s.transitionLocked(StateStarting)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordStartAttempt()
	}

	s.logger.Info("starting ai service",
		observability.String("command", s.cfg.Command),
		observability.Int("attempt", attempt),
		observability.Int("max_attempts", s.cfg.MaxAttempts),
	)

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...) //nolint:gosec // command comes from fixed configuration
	cmd.Dir = s.cfg.Dir
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failStart(attempt, "pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failStart(attempt, "pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return s.failStart(attempt, "spawn", err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}

	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()

	readyCh := make(chan struct{})
	var readyOnce sync.Once
	signalReady := func() {
		readyOnce.Do(func() { close(readyCh) })
	}

	// The ready marker can arrive on either stream; Flask, for one,
	// logs its listening banner to stderr.
	go s.scanOutput(stdout, "stdout", signalReady)
	go s.scanOutput(stderr, "stderr", signalReady)

	go func() {
		p.err = cmd.Wait()
		close(p.done)
		s.handleExit(p)
	}()

	timer := time.NewTimer(s.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-readyCh:
		// The marker may have been the child's last gasp; a dead
		// child must be reaped here, not reported running.
		select {
		case <-p.done:
			return s.startExited(p, attempt)
		default:
		}
		s.mu.Lock()
		s.transitionLocked(StateRunning)
		s.mu.Unlock()
		s.logger.Info("ai service ready",
			observability.Int("pid", cmd.Process.Pid),
			observability.Int("attempt", attempt),
		)
		return nil

	case <-p.done:
		return s.startExited(p, attempt)

	case <-timer.C:
		// A half-started child must not linger: a retry would
		// otherwise race against it for the port.
		_ = cmd.Process.Kill()
		<-p.done
		s.mu.Lock()
		if s.proc == p {
			s.proc = nil
		}
		if s.stopping {
			s.stopping = false
			s.transitionLocked(StateIdle)
			s.mu.Unlock()
			s.logger.Info("ai service stopped during startup",
				observability.Int("attempt", attempt),
			)
			return &StartError{Attempt: attempt, Cause: ErrProcessExited}
		}
		s.transitionLocked(StateFailed)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordStartFailure("timeout")
		}
		s.logger.Error("ai service startup timed out",
			observability.Int("attempt", attempt),
			observability.Duration("timeout", s.cfg.StartupTimeout),
		)
		return &StartError{Attempt: attempt, Cause: ErrStartTimeout}
	}
}

// startExited handles a child that exited before the service was
// confirmed running. A deliberate Stop during startup ends in Idle;
// anything else is a failed attempt.
func (s *Supervisor) startExited(p *process, attempt int) error {
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	if s.stopping {
		s.stopping = false
		s.transitionLocked(StateIdle)
		s.mu.Unlock()
		s.logger.Info("ai service stopped during startup",
			observability.Int("attempt", attempt),
		)
		return &StartError{Attempt: attempt, Cause: ErrProcessExited}
	}
	s.transitionLocked(StateFailed)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordStartFailure("exited")
	}
	s.logger.Error("ai service exited during startup",
		observability.Int("attempt", attempt),
		observability.Error(p.err),
	)
	return &StartError{Attempt: attempt, Cause: ErrProcessExited}
}

// failStart records a pre-spawn failure and transitions to Failed.
func (s *Supervisor) failStart(attempt int, reason string, err error) error {
	s.mu.Lock()
	s.transitionLocked(StateFailed)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordStartFailure(reason)
	}
	s.logger.Error("failed to launch ai service",
		observability.Int("attempt", attempt),
		observability.String("reason", reason),
		observability.Error(err),
	)
	return &StartError{Attempt: attempt, Cause: err}
}

// scanOutput reads one of the child's output streams line by line,
// forwarding lines to the log and watching for the ready marker.
func (s *Supervisor) scanOutput(r io.Reader, stream string, signalReady func()) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Debug("ai service output",
			observability.String("stream", stream),
			observability.String("line", line),
		)
		if strings.Contains(line, s.cfg.ReadyMarker) {
			signalReady()
		}
	}
}

// handleExit runs after the child's Wait returns. During startup the
// start attempt owns the failure transition; here we only handle a
// crash after the service was confirmed running, or the completion of
// a deliberate stop.
func (s *Supervisor) handleExit(p *process) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != p {
		return
	}
	if s.state == StateStarting {
		// The in-flight start attempt is guaranteed to observe
		// p.done; it performs the transition and stop accounting.
		return
	}
	s.proc = nil

	if s.stopping {
		s.stopping = false
		s.transitionLocked(StateIdle)
		s.logger.Info("ai service stopped")
		return
	}

	if s.state == StateRunning {
		s.transitionLocked(StateFailed)
		s.logger.Error("ai service exited unexpectedly",
			observability.Error(p.err),
			observability.Int("attempts_used", s.attempts),
		)
	}
}

// NoteSuccess clears the attempt counter after a successful end-to-end
// forwarded request. Attempts are deliberately not cleared on a bare
// successful start: a service that starts but cannot answer requests
// would otherwise thrash forever.
func (s *Supervisor) NoteSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning && s.attempts != 0 {
		s.logger.Info("ai service serving requests, clearing attempt counter",
			observability.Int("attempts_used", s.attempts),
		)
		s.attempts = 0
	}
}

// Reset clears a terminal Failed state and the attempt counter. This is
// the external signal that re-enables start attempts after exhaustion.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts = 0
	if s.state == StateFailed {
		s.transitionLocked(StateIdle)
	}
	s.logger.Info("supervisor reset",
		observability.String("state", s.state.String()),
	)
}

// Snapshot returns a point-in-time copy of the supervisor state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := 0
	if s.proc != nil && s.proc.cmd.Process != nil {
		pid = s.proc.cmd.Process.Pid
	}
	return Snapshot{
		State:          s.state,
		Attempts:       s.attempts,
		MaxAttempts:    s.cfg.MaxAttempts,
		PID:            pid,
		LastTransition: s.lastTransition,
	}
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop terminates the child process if one is running: SIGTERM first,
// SIGKILL after the grace period. It is the only sanctioned way to end
// the child.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	p := s.proc
	if p == nil {
		if s.state == StateRunning || s.state == StateStarting {
			s.transitionLocked(StateIdle)
		}
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	s.logger.Info("stopping ai service",
		observability.Int("pid", p.cmd.Process.Pid),
	)

	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(s.cfg.StopGracePeriod)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		s.logger.Warn("ai service did not exit in time, killing",
			observability.Int("pid", p.cmd.Process.Pid),
		)
		_ = p.cmd.Process.Kill()
		<-p.done
		return nil
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		return ctx.Err()
	}
}

// transitionLocked moves to a new state. Callers must hold s.mu.
// Every transition is logged with the attempt count for operators.
func (s *Supervisor) transitionLocked(newState State) {
	if s.state == newState {
		return
	}
	oldState := s.state
	s.state = newState
	s.lastTransition = time.Now()

	if s.metrics != nil {
		s.metrics.SetSupervisorState(int(newState))
	}

	s.logger.Info("supervisor state transition",
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
		observability.Int("attempts", s.attempts),
	)
}
