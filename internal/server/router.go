package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/pyker/internal/manager"
	"github.com/loykin/pyker/internal/metrics"
	"github.com/loykin/pyker/internal/process"
)

// Manager is the control surface the router adapts to HTTP.
type Manager interface {
	Start(ctx context.Context, req mng.StartRequest) (process.Record, error)
	Stop(ctx context.Context, ref string) (process.Record, error)
	Restart(ctx context.Context, ref string) (process.Record, error)
	Delete(ctx context.Context, ref string) error
	Get(ref string) (process.Record, error)
	List() []process.Record
	Logs(ref string, n int) ([]string, error)
	Follow(ctx context.Context, ref string, n int, emit func(string)) error
	Info() mng.Info
}

// Router provides embeddable HTTP handlers for managing processes.
// Endpoints, relative to basePath:
//
//	GET    /health
//	GET    /info
//	GET    /processes
//	POST   /processes               body: StartRequest JSON
//	GET    /processes/:id
//	POST   /processes/:id/stop
//	POST   /processes/:id/restart
//	DELETE /processes/:id
//	GET    /processes/:id/logs      query: lines=N (default 100), follow=true
//
// :id also accepts a process name. /metrics is served at the root when
// metrics are enabled.
type Router struct {
	mgr      Manager
	basePath string
	metrics  bool
	log      *slog.Logger
}

type Option func(*Router)

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics(enabled bool) Option { return func(r *Router) { r.metrics = enabled } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a Router. basePath may be empty; "/api" and "api/"
// are equivalent.
func NewRouter(mgr Manager, basePath string, opts ...Option) *Router {
	r := &Router{mgr: mgr, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/info", r.handleInfo)
	group.GET("/processes", r.handleList)
	group.POST("/processes", r.handleStart)
	group.GET("/processes/:id", r.handleGet)
	group.POST("/processes/:id/stop", r.handleStop)
	group.POST("/processes/:id/restart", r.handleRestart)
	group.DELETE("/processes/:id", r.handleDelete)
	group.GET("/processes/:id/logs", r.handleLogs)
	return g
}

// NewServer builds an http.Server for the router. The caller runs
// ListenAndServe and Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no write timeout: log follow streams stay open
		IdleTimeout: 60 * time.Second,
	}
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Handlers ---

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// LogsResponse is the body of GET /processes/:id/logs.
type LogsResponse struct {
	ID    string   `json:"id"`
	Lines []string `json:"lines"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleInfo(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Info())
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.List())
}

func (r *Router) handleStart(c *gin.Context) {
	var req mng.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, process.Errorf(process.ErrInvalidArgument, "", "invalid JSON: %v", err))
		return
	}
	if !process.ValidName(req.Name) {
		writeError(c, process.Errorf(process.ErrInvalidArgument, "", "invalid name %q: allowed [A-Za-z0-9._-] and no '..'", req.Name))
		return
	}
	if !isSafeAbsPath(req.ScriptPath) {
		writeError(c, process.Errorf(process.ErrInvalidArgument, "", "script_path must be an absolute path without traversal"))
		return
	}
	rec, err := r.mgr.Start(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, rec)
}

func (r *Router) handleGet(c *gin.Context) {
	rec, err := r.mgr.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleStop(c *gin.Context) {
	rec, err := r.mgr.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleRestart(c *gin.Context) {
	rec, err := r.mgr.Restart(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.mgr.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogs(c *gin.Context) {
	n := mng.DefaultLogLines
	if s := c.Query("lines"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(c, process.Errorf(process.ErrInvalidArgument, "", "lines must be a positive integer"))
			return
		}
		n = v
	}
	id := c.Param("id")
	if follow, _ := strconv.ParseBool(c.Query("follow")); follow {
		r.streamLogs(c, id, n)
		return
	}
	lines, err := r.mgr.Logs(id, n)
	if err != nil {
		writeError(c, err)
		return
	}
	if rec, err := r.mgr.Get(id); err == nil {
		id = rec.ID
	}
	writeJSON(c, http.StatusOK, LogsResponse{ID: id, Lines: lines})
}

// streamLogs writes the tail and then each new line as plain text until the
// client goes away.
func (r *Router) streamLogs(c *gin.Context, id string, n int) {
	if _, err := r.mgr.Get(id); err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	err := r.mgr.Follow(c.Request.Context(), id, n, func(line string) {
		_, _ = c.Writer.WriteString(line + "\n")
		c.Writer.Flush()
	})
	if err != nil {
		r.log.Warn("log follow ended", "id", id, "error", err)
	}
}

func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	writeJSON(c, code, ErrorResponse{Error: err.Error(), Kind: process.KindOf(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, process.ErrProcessNotFound):
		return http.StatusNotFound
	case errors.Is(err, process.ErrAlreadyRunning),
		errors.Is(err, process.ErrInvalidTransition),
		errors.Is(err, process.ErrRestartLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, process.ErrScriptNotFound),
		errors.Is(err, process.ErrInvalidArgument):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
