package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/inferd/internal/history"
	"github.com/loykin/inferd/internal/job"
	"github.com/loykin/inferd/internal/manager"
	"github.com/loykin/inferd/internal/metrics"
)

// HTTP surface of the inference server.
const (
	submitPath   = "/prompt"
	statusPath   = "/status/"
	artifactPath = "/view/"

	// ShaHeader carries the artifact checksum the server declares alongside
	// the bytes.
	ShaHeader = "X-Artifact-Sha256"
)

// Config tunes retry and polling behavior. Zero values use the defaults.
type Config struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	Retries    int           `json:"retries" mapstructure:"retries"`         // extra attempts after a network failure
	Backoff    time.Duration `json:"backoff" mapstructure:"backoff"`         // initial backoff between retries
	MaxBackoff time.Duration `json:"max_backoff" mapstructure:"max_backoff"` // backoff cap

	QueuedInterval  time.Duration `json:"queued_interval" mapstructure:"queued_interval"`
	RunningInterval time.Duration `json:"running_interval" mapstructure:"running_interval"`

	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
}

func (c *Config) normalize() {
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.QueuedInterval <= 0 {
		c.QueuedInterval = 500 * time.Millisecond
	}
	if c.RunningInterval <= 0 {
		c.RunningInterval = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Client submits workflows to a running inference server and tracks each
// submission through its lifecycle. All methods are safe for concurrent use;
// every submission gets its own state machine, so concurrent jobs never share
// state.
type Client struct {
	cfg      Config
	http     *http.Client
	clientID string
	logger   *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*job.StateMachine
	sink history.Sink
}

func New(cfg Config, logger *slog.Logger) *Client {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		clientID: uuid.NewString(),
		logger:   logger,
		jobs:     make(map[string]*job.StateMachine),
	}
}

// BaseURL returns the server endpoint this client talks to.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// SetHistory configures the audit sink job events are recorded to. Safe to
// call any time; usually shared with the manager's sink.
func (c *Client) SetHistory(sink history.Sink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *Client) persist(t history.EventType, jobID, detail string) {
	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink == nil {
		return
	}
	e := history.Event{Type: t, OccurredAt: time.Now().UTC(), JobID: jobID, Detail: detail}
	if err := history.Record(context.Background(), sink, e); err != nil {
		c.logger.Warn("history sink send failed", "event", string(t), "error", err)
	}
}

type submitRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

type statusResponse struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// Submit posts a workflow and registers the returned job ID for tracking.
// Each call is an independent submission: submitting the same workflow twice
// yields two jobs. Network failures are retried with capped exponential
// backoff; a client-error response is a WorkflowRejectedError and is never
// retried, since the server did receive and refuse the workflow.
func (c *Client) Submit(ctx context.Context, workflow json.RawMessage) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: workflow, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("encode workflow: %w", err)
	}

	resp, err := c.doWithRetry(ctx, "submit", false, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+submitPath, bytes.NewReader(body))
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &WorkflowRejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit: unexpected status %d", resp.StatusCode)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if sr.PromptID == "" {
		return "", fmt.Errorf("submit response carried no job id")
	}

	c.mu.Lock()
	c.jobs[sr.PromptID] = job.NewStateMachine(sr.PromptID, workflow, c.logger)
	c.mu.Unlock()

	metrics.IncJobSubmitted()
	c.persist(history.EventJobSubmitted, sr.PromptID, "")
	c.logger.Info("workflow submitted", "job", sr.PromptID)
	return sr.PromptID, nil
}

// Job returns the tracked snapshot for id.
func (c *Client) Job(id string) (job.Job, bool) {
	c.mu.RLock()
	m, ok := c.jobs[id]
	c.mu.RUnlock()
	if !ok {
		return job.Job{}, false
	}
	return m.Snapshot(), true
}

// Jobs returns snapshots of every tracked job, newest submission first.
func (c *Client) Jobs() []job.Job {
	c.mu.RLock()
	out := make([]job.Job, 0, len(c.jobs))
	for _, m := range c.jobs {
		out = append(out, m.Snapshot())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Poll fetches the server-side status for id and folds it into the tracked
// job. Out-of-order responses are absorbed by the state machine, so the
// returned snapshot never moves backward.
func (c *Client) Poll(ctx context.Context, id string) (job.Job, error) {
	c.mu.RLock()
	m, ok := c.jobs[id]
	c.mu.RUnlock()
	if !ok {
		return job.Job{}, &UnknownJobError{JobID: id}
	}
	if snap := m.Snapshot(); snap.Status.Terminal() {
		return snap, nil
	}

	resp, err := c.doWithRetry(ctx, "poll", true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			c.cfg.BaseURL+statusPath+id, nil)
	})
	if err != nil {
		return m.Snapshot(), err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return m.Snapshot(), &UnknownJobError{JobID: id}
	case resp.StatusCode != http.StatusOK:
		return m.Snapshot(), fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return m.Snapshot(), fmt.Errorf("decode status response: %w", err)
	}

	status := job.Status(sr.Status)
	if status == job.StatusFailed {
		var cause error
		if sr.Error != "" {
			cause = errors.New(sr.Error)
		}
		if snap, ok := m.Fail(cause); ok {
			metrics.IncJobTerminal(string(snap.Status))
			c.persist(history.EventJobFailed, id, sr.Error)
			return snap, nil
		}
		return m.Snapshot(), nil
	}

	snap, applied := m.Apply(status, sr.Progress)
	if applied && snap.Status.Terminal() {
		metrics.IncJobTerminal(string(snap.Status))
		c.persist(history.EventJobCompleted, id, "")
	}
	return snap, nil
}

// Await polls until the job reaches a terminal state or ctx is cancelled.
// Polling is adaptive: quick while Queued, relaxed only while Running with
// advancing progress. A Failed outcome is returned as a WorkflowFailedError
// alongside the final snapshot.
func (c *Client) Await(ctx context.Context, id string) (job.Job, error) {
	var prev job.Job
	for {
		snap, err := c.Poll(ctx, id)
		if err != nil {
			// A crash watcher may have failed the job locally while the
			// server was unreachable; prefer that outcome over the poll error.
			if local, ok := c.Job(id); ok && local.Status.Terminal() {
				snap = local
			} else {
				return snap, err
			}
		}
		if snap.Status.Terminal() {
			if snap.Status == job.StatusFailed {
				return snap, &WorkflowFailedError{JobID: id, Cause: snap.Err}
			}
			return snap, nil
		}

		interval := c.nextInterval(prev, snap)
		prev = snap
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// nextInterval picks the await delay: relaxed while Running with progress
// still advancing, quick otherwise (queued, or running but seemingly stalled,
// where a status flip is what we are waiting on).
func (c *Client) nextInterval(prev, cur job.Job) time.Duration {
	if cur.Status == job.StatusRunning &&
		(prev.Status != job.StatusRunning || cur.Progress > prev.Progress) {
		return c.cfg.RunningInterval
	}
	return c.cfg.QueuedInterval
}

// Fetch downloads the artifact of a completed job to dest, verifying the
// declared size and, when the server provides one, the checksum. A partial
// or corrupt download is removed and reported as ResultIncompleteError.
func (c *Client) Fetch(ctx context.Context, id, dest string) (job.ArtifactRef, error) {
	c.mu.RLock()
	m, ok := c.jobs[id]
	c.mu.RUnlock()
	if !ok {
		return job.ArtifactRef{}, &UnknownJobError{JobID: id}
	}
	if snap := m.Snapshot(); snap.Status != job.StatusCompleted {
		return job.ArtifactRef{}, &ResultIncompleteError{
			JobID:  id,
			Reason: fmt.Sprintf("job is %s, artifact exists only once completed", snap.Status),
		}
	}

	resp, err := c.doWithRetry(ctx, "fetch", true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			c.cfg.BaseURL+artifactPath+id, nil)
	})
	if err != nil {
		return job.ArtifactRef{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return job.ArtifactRef{}, &UnknownJobError{JobID: id}
	case resp.StatusCode != http.StatusOK:
		return job.ArtifactRef{}, fmt.Errorf("fetch: unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return job.ArtifactRef{}, err
	}
	f, err := os.Create(dest) // #nosec G304 -- dest is chosen by the caller
	if err != nil {
		return job.ArtifactRef{}, err
	}

	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(f, h), resp.Body)
	closeErr := f.Close()

	fail := func(reason string) (job.ArtifactRef, error) {
		_ = os.Remove(dest)
		return job.ArtifactRef{}, &ResultIncompleteError{JobID: id, Reason: reason}
	}
	if copyErr != nil {
		return fail(fmt.Sprintf("read body: %v", copyErr))
	}
	if closeErr != nil {
		return fail(fmt.Sprintf("close file: %v", closeErr))
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fail(fmt.Sprintf("size mismatch: got %d bytes, server declared %d", n, resp.ContentLength))
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if declared := resp.Header.Get(ShaHeader); declared != "" && !strings.EqualFold(declared, sum) {
		return fail(fmt.Sprintf("checksum mismatch: got %s, server declared %s", sum, declared))
	}

	ref := job.ArtifactRef{Filename: filepath.Base(dest), Size: n, SHA256: sum}
	if err := m.SetArtifact(ref); err != nil {
		c.logger.Warn("artifact recorded for non-completed job", "job", id, "error", err)
	}
	c.logger.Info("artifact fetched", "job", id, "file", dest, "bytes", n)
	return ref, nil
}

// FailOutstanding forces every non-terminal job to Failed with the given
// cause. Called when the server crashes: queued and running work is lost and
// pretending otherwise would leave waiters hanging.
func (c *Client) FailOutstanding(cause error) int {
	c.mu.RLock()
	machines := make([]*job.StateMachine, 0, len(c.jobs))
	for _, m := range c.jobs {
		machines = append(machines, m)
	}
	c.mu.RUnlock()

	failed := 0
	for _, m := range machines {
		if snap, ok := m.Fail(cause); ok {
			failed++
			metrics.IncJobTerminal(string(snap.Status))
			detail := ""
			if cause != nil {
				detail = cause.Error()
			}
			c.persist(history.EventJobFailed, snap.ID, detail)
			c.logger.Warn("job failed by server crash", "job", snap.ID)
		}
	}
	return failed
}

// WatchManager fails all outstanding jobs whenever the managed server
// crashes. The returned stop function detaches the watcher.
func (c *Client) WatchManager(m *manager.Manager) (stop func()) {
	ch, cancel := m.Subscribe(8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for sc := range ch {
			if sc.To != manager.StateCrashed {
				continue
			}
			cause := sc.Err
			if cause == nil {
				cause = &manager.ProcessCrashError{ExitCode: -1}
			}
			if n := c.FailOutstanding(cause); n > 0 {
				c.logger.Warn("server crash failed outstanding jobs", "jobs", n)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// doWithRetry issues the request, retrying network failures (and, when
// retryServerErr is set, 5xx responses) with capped exponential backoff.
// buildReq is called per attempt because a request body can only be read once.
func (c *Client) doWithRetry(ctx context.Context, op string, retryServerErr bool,
	buildReq func() (*http.Request, error)) (*http.Response, error) {
	attempts := c.cfg.Retries + 1
	backoff := c.cfg.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := buildReq()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err == nil {
			if retryServerErr && resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("server status %d", resp.StatusCode)
				_ = resp.Body.Close()
			} else {
				return resp, nil
			}
		} else {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		}

		if attempt == attempts {
			break
		}
		metrics.IncPollRetry()
		c.logger.Debug("request failed, retrying", "op", op,
			"attempt", attempt, "backoff", backoff, "error", lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
	return nil, &NetworkError{Op: op, Attempts: attempts, Err: lastErr}
}
