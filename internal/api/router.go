package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/inferd/internal/client"
	"github.com/loykin/inferd/internal/job"
	"github.com/loykin/inferd/internal/manager"
	"github.com/loykin/inferd/internal/metrics"
	"github.com/loykin/inferd/internal/process"
)

// Router provides embeddable HTTP handlers for the server lifecycle and the
// workflow client.
// Endpoints:
//
//	POST {basePath}/server/start        body: Spec JSON
//	POST {basePath}/server/stop         query: grace=5s (optional)
//	GET  {basePath}/server/status
//	GET  {basePath}/server/logs         recent captured output
//	GET  {basePath}/server/logs/stream  server-sent events, live output
//	POST {basePath}/jobs                body: workflow JSON
//	GET  {basePath}/jobs                all tracked jobs
//	GET  {basePath}/jobs/:id
//	POST {basePath}/jobs/:id/fetch      body: {"dest": "/abs/path"}
//	GET  {basePath}/metrics
type Router struct {
	mgr      *manager.Manager
	cli      *client.Client
	basePath string
}

// NewRouter constructs a Router with a configurable basePath. cli may be nil
// when only lifecycle endpoints are wanted.
func NewRouter(mgr *manager.Manager, cli *client.Client, basePath string) *Router {
	return &Router{mgr: mgr, cli: cli, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/server/start", r.handleStart)
	group.POST("/server/stop", r.handleStop)
	group.GET("/server/status", r.handleStatus)
	group.GET("/server/logs", r.handleLogs)
	group.GET("/server/logs/stream", r.handleLogStream)
	group.POST("/jobs", r.handleSubmit)
	group.GET("/jobs", r.handleJobs)
	group.GET("/jobs/:id", r.handleJob)
	group.POST("/jobs/:id/fetch", r.handleFetch)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, mgr *manager.Manager, cli *client.Client) *http.Server {
	r := NewRouter(mgr, cli, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStart(c *gin.Context) {
	var spec process.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if spec.Name != "" && !isSafeName(spec.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return
	}
	for field, p := range map[string]string{
		"install_dir":     spec.InstallDir,
		"work_dir":        spec.WorkDir,
		"log.file.dir":    spec.Log.File.Dir,
		"log.file.stdout": spec.Log.File.StdoutPath,
		"log.file.stderr": spec.Log.File.StderrPath,
	} {
		if !isSafeAbsPath(p) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + field + ": must be absolute path without traversal"})
			return
		}
	}

	if err := r.mgr.Start(c.Request.Context(), spec); err != nil {
		writeJSON(c, startErrorCode(err), errorResp{Error: err.Error()})
		return
	}
	// return the post-start status so callers get the base URL in one trip
	writeJSON(c, http.StatusOK, r.mgr.Status())
}

// startErrorCode maps start failures onto HTTP statuses: bad installs and
// port conflicts are the caller's to fix, crashes and timeouts are not.
func startErrorCode(err error) int {
	var ve *process.ValidationError
	var pe *manager.PortInUseError
	switch {
	case errors.As(err, &ve), errors.As(err, &pe):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (r *Router) handleStop(c *gin.Context) {
	grace := time.Duration(0)
	if s := c.Query("grace"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid grace duration"})
			return
		}
		grace = d
	}
	if err := r.mgr.Stop(grace); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Status())
}

func (r *Router) handleLogs(c *gin.Context) {
	logs := r.mgr.Logs()
	if logs == nil {
		writeJSON(c, http.StatusOK, []any{})
		return
	}
	writeJSON(c, http.StatusOK, logs.Recent())
}

// handleLogStream pushes captured output as server-sent events until the
// client disconnects.
func (r *Router) handleLogStream(c *gin.Context) {
	logs := r.mgr.Logs()
	if logs == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no server output captured yet"})
		return
	}
	lines, cancel := logs.Subscribe(0)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case line, ok := <-lines:
			if !ok {
				return false
			}
			c.SSEvent(string(line.Stream), line.Text)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// jobView is the JSON shape of a tracked job; job.Job keeps its error as a
// Go value, which has to be flattened for the wire.
type jobView struct {
	ID          string           `json:"id"`
	Status      job.Status       `json:"status"`
	Progress    float64          `json:"progress"`
	Error       string           `json:"error,omitempty"`
	Artifact    *job.ArtifactRef `json:"artifact,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	FinishedAt  time.Time        `json:"finished_at,omitzero"`
}

func viewOf(j job.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		Artifact:    j.Artifact,
		SubmittedAt: j.SubmittedAt,
		FinishedAt:  j.FinishedAt,
	}
	if j.Err != nil {
		v.Error = j.Err.Error()
	}
	return v
}

func (r *Router) handleSubmit(c *gin.Context) {
	if r.cli == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "workflow client not configured"})
		return
	}
	workflow, err := io.ReadAll(io.LimitReader(c.Request.Body, 16<<20))
	if err != nil || len(workflow) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "workflow body required"})
		return
	}
	id, err := r.cli.Submit(c.Request.Context(), workflow)
	if err != nil {
		var re *client.WorkflowRejectedError
		if errors.As(err, &re) {
			writeJSON(c, http.StatusUnprocessableEntity, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"id": id})
}

func (r *Router) handleJobs(c *gin.Context) {
	if r.cli == nil {
		writeJSON(c, http.StatusOK, []jobView{})
		return
	}
	jobs := r.cli.Jobs()
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewOf(j))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleJob(c *gin.Context) {
	if r.cli == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "workflow client not configured"})
		return
	}
	id := c.Param("id")
	j, ok := r.cli.Job(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown job " + id})
		return
	}
	// refresh from the server unless already terminal; a stale read is fine
	// when the server is unreachable
	if !j.Status.Terminal() {
		if refreshed, err := r.cli.Poll(c.Request.Context(), id); err == nil {
			j = refreshed
		}
	}
	writeJSON(c, http.StatusOK, viewOf(j))
}

type fetchRequest struct {
	Dest string `json:"dest"`
}

func (r *Router) handleFetch(c *gin.Context) {
	if r.cli == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "workflow client not configured"})
		return
	}
	var req fetchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Dest == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "dest path required"})
		return
	}
	if !isSafeAbsPath(req.Dest) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "dest must be an absolute path without traversal"})
		return
	}
	ref, err := r.cli.Fetch(c.Request.Context(), c.Param("id"), req.Dest)
	if err != nil {
		var ue *client.UnknownJobError
		if errors.As(err, &ue) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, ref)
}
