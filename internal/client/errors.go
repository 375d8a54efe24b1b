package client

import "fmt"

// NetworkError reports that the server could not be reached after the
// configured retries. The server may be mid-startup or crashed; the request
// was never acknowledged.
type NetworkError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: server unreachable after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// WorkflowRejectedError reports that the server refused a submission with a
// client error status. Rejections are never retried.
type WorkflowRejectedError struct {
	StatusCode int
	Body       string
}

func (e *WorkflowRejectedError) Error() string {
	return fmt.Sprintf("workflow rejected with status %d: %s", e.StatusCode, e.Body)
}

// WorkflowFailedError reports that an awaited job reached Failed.
type WorkflowFailedError struct {
	JobID string
	Cause error
}

func (e *WorkflowFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("workflow %s failed: %v", e.JobID, e.Cause)
	}
	return fmt.Sprintf("workflow %s failed", e.JobID)
}

func (e *WorkflowFailedError) Unwrap() error { return e.Cause }

// UnknownJobError reports a job ID the server does not recognize.
type UnknownJobError struct {
	JobID string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("unknown job %s", e.JobID)
}

// ResultIncompleteError reports that a fetched artifact did not match what
// the server declared (truncated body or checksum mismatch). The partial
// file is removed before this error is returned.
type ResultIncompleteError struct {
	JobID  string
	Reason string
}

func (e *ResultIncompleteError) Error() string {
	return fmt.Sprintf("artifact for job %s incomplete: %s", e.JobID, e.Reason)
}
