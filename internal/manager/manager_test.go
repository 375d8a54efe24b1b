//go:build !windows

package manager

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/inferd/internal/health"
	"github.com/loykin/inferd/internal/history"
	"github.com/loykin/inferd/internal/process"
)

// fakeInstall lays out a minimal installation with a shell script standing in
// for the server, so tests drive a real child process.
func fakeInstall(t *testing.T, script string, port int) process.Spec {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("# entry point\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "models"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "server.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return process.Spec{
		Name:       "test-server",
		InstallDir: dir,
		Launcher:   "/bin/sh",
		EntryPoint: "server.sh",
		Port:       port,
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// serveHealth answers the readiness endpoint on port after delay, standing in
// for the server's HTTP side. The child process itself just sleeps.
func serveHealth(t *testing.T, port int, delay time.Duration) {
	t.Helper()
	srv := &http.Server{
		Addr: "127.0.0.1:" + strconv.Itoa(port),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != health.DefaultPath {
				http.NotFound(w, r)
				return
			}
			w.WriteHeader(http.StatusOK)
		}),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		time.Sleep(delay)
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return
		}
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() { _ = srv.Close() })
}

func fastConfig() Config {
	return Config{
		Health: HealthConfig{
			Interval:       100 * time.Millisecond,
			ProbeTimeout:   time.Second,
			StartupTimeout: 10 * time.Second,
		},
		StopGrace: 2 * time.Second,
	}
}

func waitForState(t *testing.T, ch <-chan StateChange, want State, timeout time.Duration) StateChange {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case sc := <-ch:
			if sc.To == want {
				return sc
			}
		case <-deadline:
			t.Fatalf("state %s not reached within %s", want, timeout)
		}
	}
}

func TestStartBecomesReadyAndStops(t *testing.T) {
	port := freePort(t)
	spec := fakeInstall(t, "sleep 60\n", port)
	serveHealth(t, port, 300*time.Millisecond)

	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	ch, cancel := m.Subscribe(16)
	defer cancel()

	if err := m.Start(context.Background(), spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := m.CurrentState(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	if m.BaseURL() == "" {
		t.Fatal("expected base URL while running")
	}
	if m.Logs() == nil {
		t.Fatal("expected log broadcaster after start")
	}

	waitForState(t, ch, StateStarting, time.Second)
	waitForState(t, ch, StateRunning, time.Second)

	if err := m.Stop(0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitForState(t, ch, StateStopping, time.Second)
	waitForState(t, ch, StateStopped, time.Second)
	if m.BaseURL() != "" {
		t.Fatal("base URL should be empty once stopped")
	}
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	port := freePort(t)
	spec := fakeInstall(t, "sleep 60\n", port)
	serveHealth(t, port, 300*time.Millisecond)

	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	if err := m.Start(context.Background(), spec); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := m.Start(context.Background(), spec); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
	if got := m.CurrentState(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
}

func TestStartChildExitsDuringStartup(t *testing.T) {
	spec := fakeInstall(t, "echo 'missing module' >&2\nexit 7\n", freePort(t))

	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	err := m.Start(context.Background(), spec)
	var se *StartupTimeoutError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupTimeoutError, got %v", err)
	}
	if !se.Exited || se.ExitCode != 7 {
		t.Fatalf("exited=%v exit code=%d, want exited with code 7", se.Exited, se.ExitCode)
	}
	if got := m.CurrentState(); got != StateCrashed {
		t.Fatalf("state = %s, want crashed", got)
	}
	if m.Status().Err == "" {
		t.Fatal("expected status error after startup failure")
	}
}

func TestStartStartupTimeout(t *testing.T) {
	port := freePort(t)
	spec := fakeInstall(t, "sleep 60\n", port)
	// nothing ever listens on the health port

	cfg := fastConfig()
	cfg.Health.StartupTimeout = 600 * time.Millisecond
	cfg.Health.ProbeTimeout = 100 * time.Millisecond

	m := New(cfg, nil)
	defer func() { _ = m.Shutdown() }()

	err := m.Start(context.Background(), spec)
	var te *StartupTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected StartupTimeoutError, got %v", err)
	}
	if te.Port != port {
		t.Fatalf("error port = %d, want %d", te.Port, port)
	}
	if got := m.CurrentState(); got != StateCrashed {
		t.Fatalf("state = %s, want crashed", got)
	}
	// the child must not be left running
	deadline := time.After(3 * time.Second)
	for m.Status().Process.Running {
		select {
		case <-deadline:
			t.Fatal("child still running after startup timeout")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestStartPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	spec := fakeInstall(t, "sleep 60\n", port)

	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	startErr := m.Start(context.Background(), spec)
	var pe *PortInUseError
	if !errors.As(startErr, &pe) {
		t.Fatalf("expected PortInUseError, got %v", startErr)
	}
	if pe.Port != port {
		t.Fatalf("error port = %d, want %d", pe.Port, port)
	}
	if got := m.CurrentState(); got != StateStopped {
		t.Fatalf("state = %s, want stopped (no child spawned)", got)
	}
}

func TestStartInvalidInstall(t *testing.T) {
	spec := fakeInstall(t, "sleep 60\n", freePort(t))
	if err := os.RemoveAll(filepath.Join(spec.InstallDir, "models")); err != nil {
		t.Fatal(err)
	}

	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	err := m.Start(context.Background(), spec)
	var ve *process.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if got := m.CurrentState(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestValidate(t *testing.T) {
	spec := fakeInstall(t, "", freePort(t))
	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	if err := m.Validate(spec.InstallDir, ""); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := m.Validate(filepath.Join(spec.InstallDir, "nope"), ""); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	if err := m.Stop(0); err != nil {
		t.Fatalf("Stop on stopped manager: %v", err)
	}
	if err := m.Stop(0); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := m.CurrentState(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestStopFromCrashedEndsStopped(t *testing.T) {
	spec := fakeInstall(t, "exit 7\n", freePort(t))

	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	if err := m.Start(context.Background(), spec); err == nil {
		t.Fatal("expected startup failure")
	}
	if got := m.CurrentState(); got != StateCrashed {
		t.Fatalf("state = %s, want crashed", got)
	}

	changes, cancel := m.Subscribe(4)
	defer cancel()

	if err := m.Stop(0); err != nil {
		t.Fatalf("Stop from crashed: %v", err)
	}
	if got := m.CurrentState(); got != StateStopped {
		t.Fatalf("after Stop: state = %s, want stopped", got)
	}
	select {
	case sc := <-changes:
		if sc.From != StateCrashed || sc.To != StateStopped {
			t.Fatalf("transition = %s -> %s, want crashed -> stopped", sc.From, sc.To)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state change notified")
	}
	if st := m.Status(); st.Err != "" {
		t.Fatalf("status error not cleared after stop: %q", st.Err)
	}
}

func TestCrashDetectedWhileRunning(t *testing.T) {
	port := freePort(t)
	spec := fakeInstall(t, "sleep 60\n", port)
	serveHealth(t, port, 300*time.Millisecond)

	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	ch, cancel := m.Subscribe(16)
	defer cancel()

	if err := m.Start(context.Background(), spec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pid := m.Status().Process.PID
	if pid <= 0 {
		t.Fatalf("no PID for running server")
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}

	sc := waitForState(t, ch, StateCrashed, 5*time.Second)
	var ce *ProcessCrashError
	if !errors.As(sc.Err, &ce) {
		t.Fatalf("expected ProcessCrashError in state change, got %v", sc.Err)
	}
	if m.Status().Err == "" {
		t.Fatal("expected status error after crash")
	}

	// restart from Crashed must work; the health responder is still up, so the
	// manager picks the existing instance back up
	if err := m.Start(context.Background(), spec); err != nil {
		t.Fatalf("restart after crash: %v", err)
	}
	if got := m.CurrentState(); got != StateRunning {
		t.Fatalf("state = %s, want running after restart", got)
	}
}

func TestStartAdoptsHealthyExternalServer(t *testing.T) {
	port := freePort(t)
	spec := fakeInstall(t, "sleep 60\n", port)
	serveHealth(t, port, 0)

	// wait for the external responder to be up
	deadline := time.After(3 * time.Second)
	for !health.PortInUse(port) {
		select {
		case <-deadline:
			t.Fatal("health responder never came up")
		case <-time.After(20 * time.Millisecond):
		}
	}

	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	if err := m.Start(context.Background(), spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := m.CurrentState(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	if pid := m.Status().Process.PID; pid != 0 {
		t.Fatalf("expected no spawned child, got PID %d", pid)
	}
	// we do not own the external instance; Stop just resets our state
	if err := m.Stop(0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.CurrentState(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestStartCancelled(t *testing.T) {
	port := freePort(t)
	spec := fakeInstall(t, "sleep 60\n", port)
	// no health listener, so Start waits until cancelled

	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(ctx, spec) }()
	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if got := m.CurrentState(); got != StateStopped {
		t.Fatalf("state = %s, want stopped after cancel", got)
	}
}

// memorySink records events for assertions.
type memorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memorySink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func TestHistoryEventsRecorded(t *testing.T) {
	port := freePort(t)
	spec := fakeInstall(t, "sleep 60\n", port)
	serveHealth(t, port, 300*time.Millisecond)

	sink := &memorySink{}
	m := New(fastConfig(), nil)
	m.SetHistory(sink)
	defer func() { _ = m.Shutdown() }()

	if err := m.Start(context.Background(), spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(0); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := sink.types()
	want := []history.EventType{history.EventServerStart, history.EventServerReady, history.EventServerStop}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	m := New(fastConfig(), nil)
	defer func() { _ = m.Shutdown() }()

	_, cancel := m.Subscribe(1)
	cancel()
	cancel()
}
