package job

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// StateMachine enforces the one-directional job lifecycle
//
//	Queued -> Running -> {Completed | Failed}
//
// with Failed also reachable directly from Queued. Overlapping polls can
// deliver responses out of order; a status update that would move the job
// backward is rejected and logged as an inconsistency, never applied.
// Terminal states are immutable and progress is non-decreasing while Running.
type StateMachine struct {
	mu     sync.Mutex
	job    Job
	logger *slog.Logger
}

// NewStateMachine creates a tracked job in StatusQueued.
func NewStateMachine(id string, workflow json.RawMessage, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		job: Job{
			ID:          id,
			Workflow:    workflow,
			Status:      StatusQueued,
			SubmittedAt: time.Now(),
		},
		logger: logger,
	}
}

// Snapshot returns a copy of the tracked job.
func (m *StateMachine) Snapshot() Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job
}

// Apply folds a server-reported status and progress into the job. It returns
// the updated snapshot and whether the update was accepted. Rejected updates
// (backward transition, decreasing progress, unknown status) leave the job
// untouched.
func (m *StateMachine) Apply(status Status, progress float64) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !status.Valid() {
		m.logger.Warn("ignoring unknown job status", "job", m.job.ID, "status", string(status))
		return m.job, false
	}
	if m.job.Status.Terminal() {
		if status != m.job.Status {
			m.logger.Warn("status update after terminal state rejected",
				"job", m.job.ID, "have", string(m.job.Status), "got", string(status))
		}
		return m.job, false
	}
	if rank[status] < rank[m.job.Status] {
		m.logger.Warn("out-of-order status update rejected",
			"job", m.job.ID, "have", string(m.job.Status), "got", string(status))
		return m.job, false
	}

	if status == StatusRunning && status == m.job.Status && progress < m.job.Progress {
		m.logger.Warn("decreasing progress rejected",
			"job", m.job.ID, "have", m.job.Progress, "got", progress)
		return m.job, false
	}

	m.job.Status = status
	if progress > m.job.Progress {
		m.job.Progress = clamp01(progress)
	}
	if status.Terminal() {
		m.job.FinishedAt = time.Now()
		if status == StatusCompleted {
			m.job.Progress = 1.0
		}
	}
	return m.job, true
}

// Fail forces the job to Failed with the given cause. It is how a server
// crash or an explicit rejection lands on the job; a job that is already
// terminal keeps its original outcome.
func (m *StateMachine) Fail(cause error) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job.Status.Terminal() {
		return m.job, false
	}
	m.job.Status = StatusFailed
	m.job.Err = cause
	m.job.FinishedAt = time.Now()
	return m.job, true
}

// SetArtifact records the artifact reference reported for a completed job.
func (m *StateMachine) SetArtifact(ref ArtifactRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job.Status != StatusCompleted {
		return fmt.Errorf("job %s is %s, artifact only valid once completed", m.job.ID, m.job.Status)
	}
	m.job.Artifact = &ref
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
