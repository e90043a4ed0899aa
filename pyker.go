// Package pyker supervises long-running scripts: it spawns them, captures
// their output into rotated log files, restarts them on failure within a
// budget, and keeps a persisted table of their state.
package pyker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/pyker/internal/config"
	"github.com/loykin/pyker/internal/env"
	"github.com/loykin/pyker/internal/history"
	"github.com/loykin/pyker/internal/history/factory"
	"github.com/loykin/pyker/internal/manager"
	"github.com/loykin/pyker/internal/metrics"
	"github.com/loykin/pyker/internal/process"
	iapi "github.com/loykin/pyker/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Record = process.Record

type Status = process.Status

type Config = cfg.Config

type StartRequest = manager.StartRequest

type Info = manager.Info

type HistorySink = history.Sink

const (
	StatusStarting = process.StatusStarting
	StatusRunning  = process.StatusRunning
	StatusStopping = process.StatusStopping
	StatusStopped  = process.StatusStopped
	StatusErrored  = process.StatusErrored
)

// Error kinds, for errors.Is.
var (
	ErrScriptNotFound       = process.ErrScriptNotFound
	ErrAlreadyRunning       = process.ErrAlreadyRunning
	ErrProcessNotFound      = process.ErrProcessNotFound
	ErrSpawnFailure         = process.ErrSpawnFailure
	ErrRestartLimitExceeded = process.ErrRestartLimitExceeded
	ErrLogIO                = process.ErrLogIO
)

// KindOf names the error kind of err, e.g. "ProcessNotFound".
func KindOf(err error) string { return process.KindOf(err) }

// LoadConfig reads the configuration at path (the default location when
// empty), writing a default file if none exists.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

// New builds a Manager from a loaded configuration. Extra history sinks are
// added to the one configured by [history] dsn, if any.
func New(ctx context.Context, c *Config, log *slog.Logger, sinks ...HistorySink) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	layered, err := c.ProcessEnv()
	if err != nil {
		return nil, err
	}
	if c.History.DSN != "" {
		s, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	inner, err := manager.New(ctx, manager.Options{
		Spec:            c.Spec(env.New(c.UseOSEnv).With(layered).List()),
		StateFile:       c.StateFile,
		ConfigFile:      c.File,
		LogDir:          c.Logs.Dir,
		Sink:            c.SinkOptions(),
		MaxRestarts:     c.MaxRestarts,
		Backoff:         c.RestartBackoff,
		StopTimeout:     c.StopTimeout,
		MonitorInterval: c.ProcessCheckInterval,
		History:         sinks,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}
	return &Manager{inner: inner}, nil
}

func (m *Manager) Start(ctx context.Context, req StartRequest) (Record, error) {
	return m.inner.Start(ctx, req)
}
func (m *Manager) Stop(ctx context.Context, ref string) (Record, error) {
	return m.inner.Stop(ctx, ref)
}
func (m *Manager) Restart(ctx context.Context, ref string) (Record, error) {
	return m.inner.Restart(ctx, ref)
}
func (m *Manager) Delete(ctx context.Context, ref string) error { return m.inner.Delete(ctx, ref) }
func (m *Manager) Get(ref string) (Record, error)               { return m.inner.Get(ref) }
func (m *Manager) List() []Record                               { return m.inner.List() }
func (m *Manager) Logs(ref string, n int) ([]string, error)     { return m.inner.Logs(ref, n) }
func (m *Manager) Follow(ctx context.Context, ref string, n int, emit func(string)) error {
	return m.inner.Follow(ctx, ref, n, emit)
}
func (m *Manager) Info() Info                        { return m.inner.Info() }
func (m *Manager) Shutdown(ctx context.Context) error { return m.inner.Shutdown(ctx) }

// Recover reconciles records left by a previous run and starts the
// periodic status monitor.
func (m *Manager) Recover(ctx context.Context) error {
	if _, err := m.inner.Recover(ctx); err != nil {
		return err
	}
	m.inner.RunMonitor()
	return nil
}

// NewHTTPServer builds an http.Server exposing the API for m at
// c.Server.Listen. The caller runs and shuts it down.
func NewHTTPServer(c *Config, m *Manager, log *slog.Logger) *http.Server {
	opts := []iapi.Option{iapi.WithMetrics(c.Metrics.Enabled)}
	if log != nil {
		opts = append(opts, iapi.WithLogger(log))
	}
	return iapi.NewServer(c.Server.Listen, iapi.NewRouter(m.inner, c.Server.BasePath, opts...))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
