package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process owns exactly one child: the inference server. The exec.Cmd is
// started once and reaped by a single watcher goroutine; liveness is an
// asynchronous exit notification (Done), not a poll.
type Process struct {
	spec     Spec
	cmd      *exec.Cmd
	mu       sync.Mutex
	status   Status
	stopping bool
	waitDone chan struct{} // closed by the watcher when cmd.Wait returns
	stdout   io.ReadCloser
	stderr   io.ReadCloser
}

func New(spec Spec) *Process {
	spec.Normalize()
	return &Process{spec: spec, status: Status{Name: spec.Name, ExitCode: -1}}
}

func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// Start spawns the child with stdout/stderr pipes and launches the watcher
// that reaps it. It is an error to start a Process twice.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("process already started")
	}
	cmd := p.spec.BuildCommand()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}
	p.cmd = cmd
	p.stdout = stdout
	p.stderr = stderr
	p.waitDone = make(chan struct{})
	p.status = Status{
		Name:      p.spec.Name,
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		ExitCode:  -1,
	}
	go p.watch(cmd, p.waitDone)
	return nil
}

// watch is the single waiter on cmd.Wait. The output pipes must be fully
// drained by the caller (the log broadcaster) before Wait can return EOF on
// them, which is why Wait runs here and nowhere else.
func (p *Process) watch(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitErr = err
	p.status.ExitCode = exitCodeOf(cmd, err)
	p.mu.Unlock()
	close(done)
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// Pipes exposes the child's output streams for draining. Valid after Start.
func (p *Process) Pipes() (stdout, stderr io.ReadCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout, p.stderr
}

// Done is closed when the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

func (p *Process) Alive() bool {
	p.mu.Lock()
	wd := p.waitDone
	p.mu.Unlock()
	if wd == nil {
		return false
	}
	select {
	case <-wd:
		return false
	default:
		return true
	}
}

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitCode returns the child's exit code and whether it has exited.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.Running || p.waitDone == nil {
		return -1, false
	}
	select {
	case <-p.waitDone:
		return p.status.ExitCode, true
	default:
		return -1, false
	}
}

func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Stop asks the child to terminate and escalates to a hard kill when the
// grace period lapses. It returns once the watcher has reaped the child (or
// shortly after the kill as a last resort).
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	p.stopping = true
	cmd := p.cmd
	wd := p.waitDone
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil || wd == nil {
		return nil
	}
	select {
	case <-wd:
		return nil // already exited
	default:
	}

	pid := cmd.Process.Pid
	_ = terminateGroup(pid, syscall.SIGTERM)
	select {
	case <-wd:
	case <-time.After(grace):
		_ = terminateGroup(pid, syscall.SIGKILL)
		select {
		case <-wd:
		case <-time.After(reapGrace):
			// best-effort; the watcher will still reap eventually
		}
	}
	return nil
}

// Kill hard-terminates the child without a graceful phase.
func (p *Process) Kill() error {
	p.mu.Lock()
	cmd := p.cmd
	wd := p.waitDone
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil || wd == nil {
		return nil
	}
	_ = terminateGroup(cmd.Process.Pid, syscall.SIGKILL)
	select {
	case <-wd:
	case <-time.After(reapGrace):
	}
	return nil
}

const reapGrace = 500 * time.Millisecond
