package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle phase of a submitted workflow.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// rank orders statuses so that backward transitions can be rejected.
var rank = map[Status]int{
	StatusQueued:    0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusFailed:    2,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ArtifactRef describes the binary result of a completed job as declared by
// the server; the bytes themselves are fetched separately.
type ArtifactRef struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256,omitempty"`
}

// Job is the locally tracked lifecycle of one submitted workflow.
type Job struct {
	ID          string          `json:"id"`
	Workflow    json.RawMessage `json:"-"`
	Status      Status          `json:"status"`
	Progress    float64         `json:"progress"`
	Err         error           `json:"-"`
	Artifact    *ArtifactRef    `json:"artifact,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	FinishedAt  time.Time       `json:"finished_at,omitzero"`
}
