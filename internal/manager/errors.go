package manager

import (
	"fmt"
	"time"
)

// PortInUseError reports that another process already listens on the
// configured port. The caller must pick a different port or stop the
// conflicting process; no child is spawned.
type PortInUseError struct {
	Port int
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %d is already in use by another process", e.Port)
}

// StartupTimeoutError reports that the server never became ready: either the
// child stayed alive without answering health checks until the startup
// timeout lapsed (the child is killed before this error is returned), or the
// child exited on its own first, in which case Exited is true and ExitCode
// holds its exit status.
type StartupTimeoutError struct {
	Port     int
	Timeout  time.Duration
	Exited   bool
	ExitCode int
}

func (e *StartupTimeoutError) Error() string {
	if e.Exited {
		return fmt.Sprintf("server process exited during startup with exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("server on port %d not ready within %s", e.Port, e.Timeout)
}

// ProcessCrashError reports that the server process exited without a stop
// being requested. Outstanding work has to be treated as lost.
type ProcessCrashError struct {
	ExitCode int
}

func (e *ProcessCrashError) Error() string {
	return fmt.Sprintf("server process crashed with exit code %d", e.ExitCode)
}
