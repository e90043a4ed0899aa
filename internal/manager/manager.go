package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/pyker/internal/history"
	"github.com/loykin/pyker/internal/logsink"
	"github.com/loykin/pyker/internal/metrics"
	"github.com/loykin/pyker/internal/monitor"
	"github.com/loykin/pyker/internal/process"
	"github.com/loykin/pyker/internal/registry"
	"github.com/loykin/pyker/internal/store"
	"github.com/loykin/pyker/internal/supervisor"
)

// Options wires a Manager. Zero values fall back to package defaults.
type Options struct {
	Spec        process.Spec
	StateFile   string      // ignored when Store is set
	Store       store.Store // defaults to a file store at StateFile, or memory
	ConfigFile  string      // reported by Info only
	LogDir      string
	Sink        logsink.Options
	MaxRestarts int

	Backoff         time.Duration
	StopTimeout     time.Duration
	DrainTimeout    time.Duration
	MonitorInterval time.Duration
	Prober          monitor.Prober

	History []history.Sink
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Manager is the remote control surface: it owns the registry, one
// supervisor and log sink per live record, and the status monitor.
type Manager struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	st   store.Store
	reg  *registry.Registry
	mon  *monitor.Monitor
	hist *history.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	startMu sync.Mutex // name check + create

	mu      sync.Mutex
	entries map[string]*entry
	opLocks map[string]*sync.Mutex
	closed  bool

	monCancel context.CancelFunc
	monDone   chan struct{}
}

type entry struct {
	sup  *supervisor.Supervisor
	sink *logsink.Sink
}

// New builds a Manager and loads persisted records. Call Recover before
// serving requests so records left behind by a previous daemon are
// reconciled.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Spec.Interpreter == "" {
		opts.Spec = process.DefaultSpec()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = supervisor.DefaultStopTimeout
	}
	if opts.Sink.MaxFiles == 0 && opts.Sink.MaxSizeMB == 0 && opts.Sink.MaxBytes == 0 {
		opts.Sink = logsink.DefaultOptions()
	}

	st := opts.Store
	if st == nil {
		if opts.StateFile != "" {
			fs, err := store.NewFile(opts.StateFile)
			if err != nil {
				return nil, err
			}
			st = fs
		} else {
			st = store.NewMemory()
		}
	}

	m := &Manager{
		opts:    opts,
		log:     opts.Logger.With("component", "manager"),
		now:     opts.Clock,
		st:      st,
		entries: make(map[string]*entry),
		opLocks: make(map[string]*sync.Mutex),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if len(opts.History) > 0 {
		m.hist = history.NewDispatcher(opts.Logger, opts.History...)
	}

	m.reg = registry.New(st,
		registry.WithScriptValidator(opts.Spec.ValidateScript),
		registry.WithDefaultMaxRestarts(opts.MaxRestarts),
		registry.WithLogDir(opts.LogDir),
		registry.WithClock(opts.Clock),
		registry.WithLogger(opts.Logger),
		registry.WithHook(m.observe),
	)
	if err := m.reg.Load(ctx); err != nil {
		m.cancel()
		return nil, err
	}
	m.mon = monitor.New(m.reg, opts.Prober,
		monitor.WithInterval(opts.MonitorInterval),
		monitor.WithSupervised(m.supervised),
		monitor.WithClock(opts.Clock),
		monitor.WithLogger(opts.Logger),
	)
	return m, nil
}

// Registry exposes the underlying table, mainly for tests and tooling.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// observe runs for every committed change, in commit order.
func (m *Manager) observe(c registry.Change) {
	states := process.StatusStrings()
	switch {
	case c.New == nil && c.Old != nil:
		metrics.Forget(c.Old.ID, c.Old.Name, states)
	case c.New != nil:
		metrics.SetCurrentState(c.New.ID, c.New.Status.String(), states)
		if c.Old != nil && c.Old.Status != c.New.Status {
			metrics.RecordStateTransition(c.New.Name, c.Old.Status.String(), c.New.Status.String())
			if c.New.Status == process.StatusStopped {
				metrics.IncStop(c.New.Name)
			}
		}
	}
	if m.hist == nil {
		return
	}
	if e, ok := history.FromTransition(c.Old, c.New, m.now()); ok {
		m.hist.Publish(e)
	}
}

func (m *Manager) supervised(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// opLock serialises start, restart, stop and delete on one id.
func (m *Manager) opLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.opLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.opLocks[id] = l
	}
	return l
}

// Recover reconciles records loaded from the state file. Records caught
// between restarts have no child and no driver, so they are settled as
// stopped; records with a pid are left to the monitor, which demotes the
// ones whose process is gone.
func (m *Manager) Recover(ctx context.Context) (monitor.Result, error) {
	for _, rec := range m.reg.List() {
		if rec.Status != process.StatusStarting || m.supervised(rec.ID) {
			continue
		}
		_, err := m.reg.Update(ctx, rec.ID, func(r *process.Record) error {
			if r.Status != process.StatusStarting {
				return nil
			}
			r.Status = process.StatusStopped
			r.PID = 0
			if r.StopTime == nil {
				r.StopTime = process.At(m.now())
			}
			return nil
		})
		if err != nil && !errors.Is(err, process.ErrProcessNotFound) {
			return monitor.Result{}, err
		}
		m.log.Info("settled orphaned starting record", "id", rec.ID)
	}
	res := m.mon.ReconcileOnce(ctx)
	if res.Demoted > 0 {
		m.log.Info("recovered records", "sampled", res.Sampled, "demoted", res.Demoted)
	}
	return res, nil
}

// RunMonitor starts periodic reconciliation in the background. It is a
// no-op when already running.
func (m *Manager) RunMonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.monCancel != nil || m.closed {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	m.monCancel, m.monDone = cancel, done
	go func() {
		defer close(done)
		m.mon.Run(ctx)
	}()
}

// Info summarises the table.
type Info struct {
	Total       int                    `json:"total"`
	Counts      map[process.Status]int `json:"counts"`
	Supervised  int                    `json:"supervised"`
	StateFile   string                 `json:"state_file,omitempty"`
	LogDir      string                 `json:"log_dir,omitempty"`
	ConfigFile  string                 `json:"config_file,omitempty"`
	Interpreter string                 `json:"interpreter"`
	Monitor     string                 `json:"monitor_interval"`
}

func (m *Manager) Info() Info {
	recs := m.reg.List()
	in := Info{
		Total:       len(recs),
		Counts:      make(map[process.Status]int, len(process.Statuses)),
		StateFile:   m.opts.StateFile,
		LogDir:      m.opts.LogDir,
		ConfigFile:  m.opts.ConfigFile,
		Interpreter: m.opts.Spec.Interpreter,
		Monitor:     m.mon.Interval().String(),
	}
	if fs, ok := m.st.(*store.File); ok {
		in.StateFile = fs.Path()
	}
	for _, s := range process.Statuses {
		in.Counts[s] = 0
	}
	for _, r := range recs {
		in.Counts[r.Status]++
	}
	m.mu.Lock()
	in.Supervised = len(m.entries)
	m.mu.Unlock()
	return in
}

// Shutdown stops the monitor, then every supervised child in parallel, and
// finally flushes state and closes history sinks. Children are terminated
// with the usual grace period.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	monCancel, monDone := m.monCancel, m.monDone
	live := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		live[id] = e
	}
	m.mu.Unlock()

	if monCancel != nil {
		monCancel()
		<-monDone
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, e := range live {
		g.Go(func() error {
			stopped := make(chan struct{})
			go func() {
				e.sup.Stop()
				close(stopped)
			}()
			select {
			case <-stopped:
				m.detach(id, e)
				return nil
			case <-gctx.Done():
				return fmt.Errorf("stop %s: %w", id, gctx.Err())
			}
		})
	}
	err := g.Wait()
	m.cancel()

	if ferr := m.reg.Flush(ctx); ferr != nil {
		err = errors.Join(err, ferr)
	}
	if m.hist != nil {
		err = errors.Join(err, m.hist.Close())
	}
	return errors.Join(err, m.st.Close())
}
