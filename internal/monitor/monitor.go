package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/pyker/internal/metrics"
	"github.com/loykin/pyker/internal/process"
)

// DefaultInterval is the reconciliation period.
const DefaultInterval = 5 * time.Second

var errStale = errors.New("record changed since sample")

// Registry is the part of the process table the monitor reads and corrects.
type Registry interface {
	List() []process.Record
	Update(ctx context.Context, id string, mutate func(*process.Record) error) (process.Record, error)
}

// Result summarises one pass.
type Result struct {
	Sampled int
	Demoted int
}

// Monitor keeps cpu and memory fresh for every record with a pid, and
// demotes records whose pid has disappeared to stopped. It never promotes a
// record to running, and it leaves liveness of supervised records to their
// supervisor.
type Monitor struct {
	reg        Registry
	prober     Prober
	interval   time.Duration
	supervised func(id string) bool
	sameProc   func(pid int, start int64) bool
	now        func() time.Time
	log        *slog.Logger

	mu      sync.Mutex
	running bool
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithSupervised reports whether a live supervisor drives id.
func WithSupervised(fn func(id string) bool) Option {
	return func(m *Monitor) { m.supervised = fn }
}

// WithInstanceCheck replaces the pid reuse check, mainly for tests.
func WithInstanceCheck(fn func(pid int, start int64) bool) Option {
	return func(m *Monitor) { m.sameProc = fn }
}

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.log = l } }

func New(reg Registry, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		reg:        reg,
		prober:     prober,
		interval:   DefaultInterval,
		supervised: func(string) bool { return false },
		sameProc:   process.SameInstance,
		now:        time.Now,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.prober == nil {
		m.prober = NewPsutilProber()
	}
	return m
}

func (m *Monitor) Interval() time.Duration { return m.interval }

// Run reconciles immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.ReconcileOnce(ctx)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce performs a single pass over the registry.
func (m *Monitor) ReconcileOnce(ctx context.Context) Result {
	var res Result
	keep := make(map[int]struct{})
	for _, rec := range m.reg.List() {
		if ctx.Err() != nil {
			break
		}
		if rec.PID == 0 {
			if rec.CPUPercent != 0 || rec.MemoryMB != 0 {
				m.clearUsage(ctx, rec.ID)
			}
			continue
		}
		sample, err := m.prober.Probe(ctx, rec.PID)
		if err != nil {
			m.log.Warn("probe failed", "id", rec.ID, "pid", rec.PID, "error", err)
			keep[rec.PID] = struct{}{}
			continue
		}
		res.Sampled++
		if sample.Alive && !m.sameProc(rec.PID, rec.PIDStart) {
			m.log.Warn("pid reused by another process", "id", rec.ID, "pid", rec.PID)
			sample = Sample{}
		}
		if sample.Alive {
			keep[rec.PID] = struct{}{}
			m.refresh(ctx, rec, sample)
			continue
		}
		if m.supervised(rec.ID) {
			// the supervisor observes this exit itself
			continue
		}
		if m.demote(ctx, rec) {
			res.Demoted++
		}
	}
	m.prober.Retain(keep)
	return res
}

func (m *Monitor) refresh(ctx context.Context, rec process.Record, s Sample) {
	_, err := m.reg.Update(ctx, rec.ID, func(r *process.Record) error {
		if r.PID != rec.PID {
			return errStale
		}
		r.CPUPercent = s.CPUPercent
		r.MemoryMB = s.MemoryMB
		return nil
	})
	if err == nil {
		metrics.SetResources(rec.ID, rec.Name, s.CPUPercent, s.MemoryMB)
	}
}

func (m *Monitor) demote(ctx context.Context, rec process.Record) bool {
	_, err := m.reg.Update(ctx, rec.ID, func(r *process.Record) error {
		if r.PID != rec.PID {
			return errStale
		}
		r.Status = process.StatusStopped
		r.PID = 0
		r.CPUPercent = 0
		r.MemoryMB = 0
		if r.StopTime == nil || (r.StartTime != nil && r.StopTime.Before(r.StartTime.Time)) {
			r.StopTime = process.At(m.now())
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			m.log.Warn("reconcile failed", "id", rec.ID, "error", err)
		}
		return false
	}
	m.log.Info("process no longer running, marked stopped", "id", rec.ID, "name", rec.Name, "pid", rec.PID)
	metrics.IncReconcile(rec.Name)
	metrics.SetResources(rec.ID, rec.Name, 0, 0)
	return true
}

func (m *Monitor) clearUsage(ctx context.Context, id string) {
	_, _ = m.reg.Update(ctx, id, func(r *process.Record) error {
		if r.PID != 0 {
			return errStale
		}
		r.CPUPercent = 0
		r.MemoryMB = 0
		return nil
	})
}
