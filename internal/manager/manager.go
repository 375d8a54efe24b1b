package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/inferd/internal/health"
	"github.com/loykin/inferd/internal/history"
	"github.com/loykin/inferd/internal/logstream"
	"github.com/loykin/inferd/internal/metrics"
	"github.com/loykin/inferd/internal/process"
)

// HealthConfig controls how readiness is probed during startup.
type HealthConfig struct {
	Path           string        `json:"path" mapstructure:"path"`
	Interval       time.Duration `json:"interval" mapstructure:"interval"`
	ProbeTimeout   time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
	StartupTimeout time.Duration `json:"startup_timeout" mapstructure:"startup_timeout"`
}

func (h *HealthConfig) normalize() {
	if h.Path == "" {
		h.Path = health.DefaultPath
	}
	if h.Interval <= 0 {
		h.Interval = 2 * time.Second
	}
	if h.ProbeTimeout <= 0 {
		h.ProbeTimeout = 2 * time.Second
	}
	if h.StartupTimeout <= 0 {
		h.StartupTimeout = 60 * time.Second
	}
}

// Config holds manager-level settings; per-server settings live in process.Spec.
type Config struct {
	Health    HealthConfig  `json:"health" mapstructure:"health"`
	StopGrace time.Duration `json:"stop_grace" mapstructure:"stop_grace"`
	LogRing   int           `json:"log_ring" mapstructure:"log_ring"`
}

func (c *Config) normalize() {
	c.Health.normalize()
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.LogRing <= 0 {
		c.LogRing = 256
	}
}

// Manager supervises one inference server process as a single state machine.
//
// All mutating operations go through a command channel and are handled by one
// goroutine, so transitions never race. Reads (State, Status, Logs) touch only
// the mutex-guarded snapshot.
//
// Lock hierarchy: mu (manager state) before any process.Process internals.
type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	state   State
	spec    process.Spec
	proc    *process.Process
	logs    *logstream.Broadcaster
	lastErr error

	cmdChan  chan command
	doneChan chan struct{}

	subMu  sync.Mutex
	subs   map[int]chan StateChange
	nextID int

	logger *slog.Logger
	sink   history.Sink
}

type command struct {
	action commandAction
	ctx    context.Context
	spec   process.Spec
	wait   time.Duration
	reply  chan error
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionShutdown
)

func New(cfg Config, logger *slog.Logger) *Manager {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		state:    StateStopped,
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
		subs:     make(map[int]chan StateChange),
		logger:   logger,
	}
	go m.run()
	return m
}

// SetHistory configures the audit sink. Safe to call any time.
func (m *Manager) SetHistory(sink history.Sink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// History returns the configured audit sink, or nil. Exposed so a client can
// record its job events to the same sink.
func (m *Manager) History() history.Sink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sink
}

// Validate checks an installation directory without touching manager state.
// It reports the first problem found: missing directory, missing entry point,
// or missing models directory.
func (m *Manager) Validate(installDir, entryPoint string) error {
	return process.ValidateInstall(installDir, entryPoint)
}

// Start validates the installation, spawns the server and blocks until the
// health endpoint answers or startup fails. Starting an already Running
// server is a no-op. ctx cancels the startup wait and stops the child.
func (m *Manager) Start(ctx context.Context, spec process.Spec) error {
	reply := make(chan error, 1)
	select {
	case m.cmdChan <- command{action: actionStart, ctx: ctx, spec: spec, reply: reply}:
		return <-reply
	case <-m.doneChan:
		return fmt.Errorf("manager shut down")
	}
}

// Stop terminates the server gracefully, escalating to SIGKILL after the
// grace period. Stopping a Stopped or Crashed server is a no-op. A grace of
// zero uses the configured default.
func (m *Manager) Stop(grace time.Duration) error {
	reply := make(chan error, 1)
	select {
	case m.cmdChan <- command{action: actionStop, wait: grace, reply: reply}:
		return <-reply
	case <-m.doneChan:
		return nil
	}
}

// Shutdown stops the server if needed and terminates the state machine.
func (m *Manager) Shutdown() error {
	reply := make(chan error, 1)
	select {
	case m.cmdChan <- command{action: actionShutdown, reply: reply}:
		return <-reply
	case <-m.doneChan:
		return nil
	}
}

// CurrentState returns the lifecycle state.
func (m *Manager) CurrentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status combines the lifecycle state with the child process snapshot.
type Status struct {
	State   string         `json:"state"`
	BaseURL string         `json:"base_url,omitempty"`
	Err     string         `json:"error,omitempty"`
	Process process.Status `json:"process"`
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	state := m.state
	proc := m.proc
	lastErr := m.lastErr
	spec := m.spec
	m.mu.RUnlock()

	st := Status{State: state.String()}
	if lastErr != nil {
		st.Err = lastErr.Error()
	}
	if proc != nil {
		st.Process = proc.Snapshot()
	}
	if state == StateRunning {
		st.BaseURL = baseURL(spec.Port)
	}
	return st
}

// BaseURL returns the server's HTTP endpoint, or "" unless Running.
func (m *Manager) BaseURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateRunning {
		return ""
	}
	return baseURL(m.spec.Port)
}

func baseURL(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port)
}

// Logs exposes the output broadcaster of the current (or last) server run.
// Nil before the first Start.
func (m *Manager) Logs() *logstream.Broadcaster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logs
}

// Subscribe registers for state transitions. Slow subscribers lose oldest
// notifications rather than blocking the state machine.
func (m *Manager) Subscribe(buf int) (<-chan StateChange, func()) {
	if buf <= 0 {
		buf = 8
	}
	ch := make(chan StateChange, buf)

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// run is the core state machine. Commands and the child's exit notification
// are the only inputs; both are handled here and nowhere else.
func (m *Manager) run() {
	defer close(m.doneChan)

	var procDone <-chan struct{}

	for {
		select {
		case cmd := <-m.cmdChan:
			switch cmd.action {
			case actionStart:
				err := m.handleStart(cmd.ctx, cmd.spec)
				if err == nil && m.CurrentState() == StateRunning {
					if p := m.currentProc(); p != nil {
						procDone = p.Done()
					}
				}
				cmd.reply <- err
			case actionStop:
				cmd.reply <- m.handleStop(cmd.wait)
				procDone = nil
			case actionShutdown:
				var err error
				if m.CurrentState() == StateStarting || m.CurrentState() == StateRunning {
					err = m.handleStop(0)
				}
				cmd.reply <- err
				return
			}

		case <-procDone:
			m.handleExit()
			procDone = nil
		}
	}
}

func (m *Manager) currentProc() *process.Process {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.proc
}

func (m *Manager) handleStart(ctx context.Context, spec process.Spec) error {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()

	switch state {
	case StateRunning:
		return nil // already up, starting again is a no-op
	case StateStarting:
		return fmt.Errorf("server is already starting")
	case StateStopping:
		return fmt.Errorf("server is stopping, wait for it to finish")
	case StateStopped, StateCrashed:
	}

	spec.Normalize()
	if err := process.ValidateInstall(spec.InstallDir, spec.EntryPoint); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if health.PortInUse(spec.Port) {
		// A healthy responder on the port is an already-running server we can
		// use as-is; anything else is a conflict.
		checker := health.Checker{
			URL:     health.Endpoint(spec.Port, m.cfg.Health.Path),
			Timeout: m.cfg.Health.ProbeTimeout,
		}
		if checker.Probe(ctx) == nil {
			m.mu.Lock()
			m.spec = spec
			m.proc = nil
			m.lastErr = nil
			m.mu.Unlock()
			m.setState(StateRunning, nil)
			m.logger.Info("server already running, using existing instance",
				"name", spec.Name, "port", spec.Port)
			return nil
		}
		return &PortInUseError{Port: spec.Port}
	}

	m.setState(StateStarting, nil)

	outMirror, errMirror, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		m.setState(StateStopped, nil)
		return fmt.Errorf("open server log files: %w", err)
	}

	proc := process.New(spec)
	if err := proc.Start(); err != nil {
		if outMirror != nil {
			_ = outMirror.Close()
		}
		if errMirror != nil {
			_ = errMirror.Close()
		}
		m.setState(StateStopped, nil)
		return err
	}

	logs := logstream.New(m.cfg.LogRing)
	stdout, stderr := proc.Pipes()
	logs.Attach(logstream.Stdout, stdout, outMirror)
	logs.Attach(logstream.Stderr, stderr, errMirror)

	m.mu.Lock()
	m.spec = proc.Spec()
	m.proc = proc
	if m.logs != nil {
		m.logs.Close()
	}
	m.logs = logs
	m.lastErr = nil
	m.mu.Unlock()

	startedAt := time.Now()
	metrics.IncStart()
	m.persist(history.EventServerStart, proc.PID(), "")
	m.logger.Info("server starting", "name", spec.Name, "pid", proc.PID(), "port", spec.Port)

	if err := m.awaitReady(ctx, proc, spec); err != nil {
		return err
	}

	m.setState(StateRunning, nil)
	metrics.ObserveStartupDuration(time.Since(startedAt).Seconds())
	m.persist(history.EventServerReady, proc.PID(), "")
	m.logger.Info("server ready", "name", spec.Name, "pid", proc.PID(),
		"took", time.Since(startedAt).Round(time.Millisecond))
	return nil
}

// awaitReady polls the health endpoint until the server answers, the child
// exits, the startup timeout lapses or ctx is cancelled. Readiness is decided
// only by the endpoint, never by log contents.
func (m *Manager) awaitReady(ctx context.Context, proc *process.Process, spec process.Spec) error {
	checker := health.Checker{
		URL:     health.Endpoint(spec.Port, m.cfg.Health.Path),
		Timeout: m.cfg.Health.ProbeTimeout,
	}

	deadline := time.NewTimer(m.cfg.Health.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.Health.Interval)
	defer ticker.Stop()

	for {
		if err := checker.Probe(ctx); err == nil {
			return nil
		}

		select {
		case <-proc.Done():
			code, _ := proc.ExitCode()
			err := &StartupTimeoutError{Port: spec.Port, Timeout: m.cfg.Health.StartupTimeout, Exited: true, ExitCode: code}
			m.setState(StateCrashed, err)
			metrics.IncCrash()
			m.persist(history.EventServerCrash, proc.PID(), err.Error())
			m.logger.Error("server exited during startup", "name", spec.Name, "exit_code", code)
			return err

		case <-ctx.Done():
			_ = proc.Stop(m.cfg.StopGrace)
			m.setState(StateStopped, nil)
			m.persist(history.EventServerStop, proc.PID(), "startup cancelled")
			return ctx.Err()

		case <-deadline.C:
			_ = proc.Kill()
			err := &StartupTimeoutError{Port: spec.Port, Timeout: m.cfg.Health.StartupTimeout}
			m.setState(StateCrashed, err)
			metrics.IncCrash()
			m.persist(history.EventServerCrash, proc.PID(), err.Error())
			m.logger.Error("server startup timed out", "name", spec.Name,
				"timeout", m.cfg.Health.StartupTimeout)
			return err

		case <-ticker.C:
		}
	}
}

func (m *Manager) handleStop(grace time.Duration) error {
	m.mu.RLock()
	state := m.state
	proc := m.proc
	m.mu.RUnlock()

	switch state {
	case StateStopped:
		return nil
	case StateCrashed:
		// no process left, but Stop must still land in Stopped so the next
		// Start begins from a clean state
		m.mu.Lock()
		m.proc = nil
		m.lastErr = nil
		m.mu.Unlock()
		m.setState(StateStopped, nil)
		return nil
	case StateStopping:
		return fmt.Errorf("server already stopping")
	case StateStarting, StateRunning:
	}
	if proc == nil {
		m.setState(StateStopped, nil)
		return nil
	}

	if grace <= 0 {
		grace = m.cfg.StopGrace
	}

	m.setState(StateStopping, nil)
	m.logger.Info("stopping server", "name", proc.Spec().Name, "grace", grace)

	err := proc.Stop(grace)
	m.setState(StateStopped, nil)
	metrics.IncStop()
	m.persist(history.EventServerStop, proc.PID(), "")
	if err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}

// handleExit runs when the child exits out of band. A requested stop has
// already driven the state machine, so only unexpected exits count as a crash.
func (m *Manager) handleExit() {
	m.mu.RLock()
	state := m.state
	proc := m.proc
	m.mu.RUnlock()

	if proc == nil || state != StateRunning || proc.StopRequested() {
		return
	}

	code, _ := proc.ExitCode()
	err := &ProcessCrashError{ExitCode: code}
	m.setState(StateCrashed, err)
	metrics.IncCrash()
	m.persist(history.EventServerCrash, proc.PID(), err.Error())
	m.logger.Error("server crashed", "name", proc.Spec().Name, "exit_code", code)
}

// setState updates the state, records metrics and notifies subscribers.
func (m *Manager) setState(next State, cause error) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	if cause != nil {
		m.lastErr = cause
	}
	m.mu.Unlock()

	metrics.RecordStateTransition(prev.String(), next.String())
	metrics.SetCurrentState(prev.String(), false)
	metrics.SetCurrentState(next.String(), true)

	change := StateChange{From: prev, To: next, When: time.Now(), Err: cause}
	m.subMu.Lock()
	for _, ch := range m.subs {
		for {
			select {
			case ch <- change:
			default:
				// drop oldest so a stalled subscriber cannot block transitions
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
	m.subMu.Unlock()
}

func (m *Manager) persist(t history.EventType, pid int, detail string) {
	m.mu.RLock()
	sink := m.sink
	name := m.spec.Name
	m.mu.RUnlock()
	if sink == nil {
		return
	}
	e := history.Event{Type: t, OccurredAt: time.Now().UTC(), Server: name, PID: pid, Detail: detail}
	if err := history.Record(context.Background(), sink, e); err != nil {
		m.logger.Warn("history sink send failed", "event", string(t), "error", err)
	}
}
