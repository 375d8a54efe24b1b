package inferd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	iapi "github.com/loykin/inferd/internal/api"
	"github.com/loykin/inferd/internal/client"
	cfg "github.com/loykin/inferd/internal/config"
	"github.com/loykin/inferd/internal/history"
	"github.com/loykin/inferd/internal/history/factory"
	"github.com/loykin/inferd/internal/job"
	"github.com/loykin/inferd/internal/logger"
	"github.com/loykin/inferd/internal/logstream"
	"github.com/loykin/inferd/internal/manager"
	"github.com/loykin/inferd/internal/metrics"
	"github.com/loykin/inferd/internal/process"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type State = manager.State

const (
	StateStopped  = manager.StateStopped
	StateStarting = manager.StateStarting
	StateRunning  = manager.StateRunning
	StateStopping = manager.StateStopping
	StateCrashed  = manager.StateCrashed
)

type Status = manager.Status

type StateChange = manager.StateChange

type Job = job.Job

type ArtifactRef = job.ArtifactRef

type LogLine = logstream.Line

type ManagerConfig = manager.Config

type ClientConfig = client.Config

type LogConfig = logger.Config

type HistorySink = history.Sink

// Manager is a thin facade over internal/manager.Manager. It provides a
// stable public API for embedding.
type Manager struct{ inner *manager.Manager }

func NewManager(c ManagerConfig) *Manager {
	return &Manager{inner: manager.New(c, logger.New(logger.Config{}))}
}

// NewManagerWithLog builds a manager whose own diagnostics follow lc.
func NewManagerWithLog(c ManagerConfig, lc LogConfig) *Manager {
	return &Manager{inner: manager.New(c, logger.New(lc))}
}

func (m *Manager) Validate(installDir, entryPoint string) error {
	return m.inner.Validate(installDir, entryPoint)
}
func (m *Manager) Start(ctx context.Context, s Spec) error { return m.inner.Start(ctx, s) }
func (m *Manager) Stop(grace time.Duration) error          { return m.inner.Stop(grace) }
func (m *Manager) Shutdown() error                         { return m.inner.Shutdown() }
func (m *Manager) State() State                            { return m.inner.CurrentState() }
func (m *Manager) Status() Status                          { return m.inner.Status() }
func (m *Manager) BaseURL() string                         { return m.inner.BaseURL() }
func (m *Manager) Logs() *logstream.Broadcaster            { return m.inner.Logs() }
func (m *Manager) Subscribe(buf int) (<-chan StateChange, func()) {
	return m.inner.Subscribe(buf)
}

// SetHistoryDSN wires an audit sink from a DSN (sqlite, postgres or
// clickhouse); see internal/history/factory for the formats.
func (m *Manager) SetHistoryDSN(dsn string) error {
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return err
	}
	m.inner.SetHistory(sink)
	return nil
}

func (m *Manager) SetHistory(sink HistorySink) { m.inner.SetHistory(sink) }
func (m *Manager) History() HistorySink        { return m.inner.History() }

// Client is the workflow-side facade: it submits work to the managed server
// and tracks each job to completion.
type Client struct{ inner *client.Client }

func NewClient(c ClientConfig) *Client {
	return &Client{inner: client.New(c, logger.New(logger.Config{}))}
}

func NewClientWithLog(c ClientConfig, lc LogConfig) *Client {
	return &Client{inner: client.New(c, logger.New(lc))}
}

func (c *Client) Submit(ctx context.Context, workflow json.RawMessage) (string, error) {
	return c.inner.Submit(ctx, workflow)
}
func (c *Client) Poll(ctx context.Context, id string) (Job, error)  { return c.inner.Poll(ctx, id) }
func (c *Client) Await(ctx context.Context, id string) (Job, error) { return c.inner.Await(ctx, id) }
func (c *Client) Fetch(ctx context.Context, id, dest string) (ArtifactRef, error) {
	return c.inner.Fetch(ctx, id, dest)
}
func (c *Client) Job(id string) (Job, bool) { return c.inner.Job(id) }
func (c *Client) Jobs() []Job               { return c.inner.Jobs() }

// SetHistory records job audit events to sink, typically the manager's own
// sink (see Manager.History).
func (c *Client) SetHistory(sink HistorySink) { c.inner.SetHistory(sink) }

// WatchManager fails every outstanding job when the managed server crashes.
// The returned stop function detaches the watcher.
func (c *Client) WatchManager(m *Manager) (stop func()) {
	return c.inner.WatchManager(m.inner)
}

type Config = cfg.FileConfig

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHTTPServer starts the control API on addr using the given manager and
// optional client.
func NewHTTPServer(addr, basePath string, m *Manager, c *Client) *http.Server {
	var inner *client.Client
	if c != nil {
		inner = c.inner
	}
	return iapi.NewServer(addr, basePath, m.inner, inner)
}

// NewHTTPHandler returns the control API as a plain http.Handler so it can be
// mounted inside an existing server (gin, echo, net/http).
func NewHTTPHandler(basePath string, m *Manager, c *Client) http.Handler {
	var inner *client.Client
	if c != nil {
		inner = c.inner
	}
	return iapi.NewRouter(m.inner, inner, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It blocks in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
