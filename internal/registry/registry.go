package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/pyker/internal/process"
	"github.com/loykin/pyker/internal/store"
)

// Change describes one committed mutation. Old is nil for a create and New
// is nil for a remove.
type Change struct {
	Old *process.Record
	New *process.Record
}

// Hook observes committed changes. Hooks run in commit order, outside the
// table lock, and must not mutate the Registry.
type Hook func(Change)

// CreateRequest carries the caller supplied fields of a new record.
type CreateRequest struct {
	Name        string
	ScriptPath  string
	AutoRestart bool
	MaxRestarts int // 0 selects the registry default
}

// Registry is the authoritative table of process records. All mutation goes
// through Create, Update and Remove, each of which writes the table through
// to the store before returning.
type Registry struct {
	mu      sync.RWMutex
	records map[string]process.Record
	version uint64

	persistMu sync.Mutex
	saved     uint64

	hookMu sync.Mutex
	hooks  []Hook

	store       store.Store
	validate    func(string) (string, error)
	maxRestarts int
	logDir      string
	now         func() time.Time
	log         *slog.Logger
}

type Option func(*Registry)

// WithScriptValidator sets the function resolving and checking script paths.
func WithScriptValidator(fn func(string) (string, error)) Option {
	return func(r *Registry) { r.validate = fn }
}

func WithDefaultMaxRestarts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxRestarts = n
		}
	}
}

// WithLogDir makes new records log to <dir>/<id>.log.
func WithLogDir(dir string) Option { return func(r *Registry) { r.logDir = dir } }

func WithHook(h Hook) Option { return func(r *Registry) { r.hooks = append(r.hooks, h) } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

func New(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		records:     make(map[string]process.Record),
		store:       st,
		validate:    process.DefaultSpec().ValidateScript,
		maxRestarts: process.DefaultMaxRestarts,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.store == nil {
		r.store = store.NewMemory()
	}
	return r
}

// AddHook registers h for subsequent commits.
func (r *Registry) AddHook(h Hook) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, h)
	r.hookMu.Unlock()
}

// Load replaces the table with the store's contents. Records failing their
// invariants are repaired to stopped rather than dropped.
func (r *Registry) Load(ctx context.Context) error {
	loaded, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.records = make(map[string]process.Record, len(loaded))
	for id, rec := range loaded {
		if err := rec.Validate(); err != nil {
			r.log.Warn("repairing invalid record from state file", "id", id, "error", err)
			rec = repair(rec)
		}
		r.records[id] = rec
	}
	r.version++
	r.saved = r.version
	r.mu.Unlock()
	return nil
}

func repair(rec process.Record) process.Record {
	if rec.MaxRestarts <= 0 {
		rec.MaxRestarts = process.DefaultMaxRestarts
	}
	if rec.RestartCount > rec.MaxRestarts {
		rec.RestartCount = rec.MaxRestarts
	}
	if rec.RestartCount < 0 {
		rec.RestartCount = 0
	}
	if !rec.Status.Valid() || rec.Status.HasPID() != (rec.PID > 0) {
		rec.Status = process.StatusStopped
		rec.PID = 0
	}
	return rec
}

// Create validates the script, assigns a unique id and inserts a record in
// status starting.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (process.Record, error) {
	if !process.ValidName(req.Name) {
		return process.Record{}, process.Errorf(process.ErrInvalidArgument, "", "invalid process name %q", req.Name)
	}
	if req.MaxRestarts < 0 {
		return process.Record{}, process.Errorf(process.ErrInvalidArgument, "", "max_restarts must not be negative")
	}
	script, err := r.validate(req.ScriptPath)
	if err != nil {
		return process.Record{}, err
	}
	maxRestarts := req.MaxRestarts
	if maxRestarts == 0 {
		maxRestarts = r.maxRestarts
	}

	r.mu.Lock()
	id := r.nextIDLocked(req.Name)
	rec := process.Record{
		ID:          id,
		Name:        req.Name,
		ScriptPath:  script,
		Status:      process.StatusStarting,
		AutoRestart: req.AutoRestart,
		MaxRestarts: maxRestarts,
	}
	if r.logDir != "" {
		rec.LogFile = filepath.Join(r.logDir, id+".log")
	}
	r.records[id] = rec
	snap, ver := r.snapshotLocked()
	r.hookMu.Lock()
	r.mu.Unlock()

	r.persist(ctx, snap, ver)
	created := rec.Clone()
	r.fire(Change{New: &created})
	r.hookMu.Unlock()
	return rec.Clone(), nil
}

func (r *Registry) nextIDLocked(name string) string {
	base := name + "_" + strconv.FormatInt(r.now().Unix(), 10)
	id := base
	for n := 1; ; n++ {
		if _, taken := r.records[id]; !taken {
			return id
		}
		id = base + "_" + strconv.Itoa(n)
	}
}

func (r *Registry) Get(id string) (process.Record, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return process.Record{}, process.Errorf(process.ErrProcessNotFound, id, "no such process")
	}
	return rec.Clone(), nil
}

// List returns every record ordered by id.
func (r *Registry) List() []process.Record {
	r.mu.RLock()
	out := make([]process.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByName returns the most recently created record with the given name.
func (r *Registry) FindByName(name string) (process.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *process.Record
	for _, rec := range r.records {
		if rec.Name != name {
			continue
		}
		if best == nil || newer(name, rec.ID, best.ID) {
			c := rec
			best = &c
		}
	}
	if best == nil {
		return process.Record{}, process.Errorf(process.ErrProcessNotFound, name, "no such process")
	}
	return best.Clone(), nil
}

// FindActive returns a record named name, other than except, whose status
// is starting, running or stopping.
func (r *Registry) FindActive(name, except string) (process.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, rec := range r.records {
		if id != except && rec.Name == name && rec.Status.Active() {
			return rec.Clone(), true
		}
	}
	return process.Record{}, false
}

// newer orders ids of the form name_<unix>[_n] by creation second, then by
// collision suffix.
func newer(name, a, b string) bool {
	au, an := idOrder(name, a)
	bu, bn := idOrder(name, b)
	if au != bu {
		return au > bu
	}
	if an != bn {
		return an > bn
	}
	return a > b
}

func idOrder(name, id string) (int64, int) {
	rest := strings.TrimPrefix(id, name+"_")
	unix, suffix, _ := strings.Cut(rest, "_")
	u, _ := strconv.ParseInt(unix, 10, 64)
	n, _ := strconv.Atoi(suffix)
	return u, n
}

// Update applies mutate to a copy of the record and commits it only when the
// status transition is allowed and the result passes validation. An error
// returned by mutate aborts the update unchanged.
func (r *Registry) Update(ctx context.Context, id string, mutate func(*process.Record) error) (process.Record, error) {
	r.mu.Lock()
	old, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return process.Record{}, process.Errorf(process.ErrProcessNotFound, id, "no such process")
	}
	next := old.Clone()
	if err := mutate(&next); err != nil {
		r.mu.Unlock()
		return old.Clone(), err
	}
	next.ID = old.ID
	if next.PID == 0 {
		next.PIDStart = 0
	}
	if !process.CanTransition(old.Status, next.Status) {
		r.mu.Unlock()
		return old.Clone(), process.Errorf(process.ErrInvalidTransition, id, "%s -> %s", old.Status, next.Status)
	}
	if err := next.Validate(); err != nil {
		r.mu.Unlock()
		return old.Clone(), fmt.Errorf("%w: %v", process.ErrInvalidTransition, err)
	}
	r.records[id] = next
	snap, ver := r.snapshotLocked()
	r.hookMu.Lock()
	r.mu.Unlock()

	r.persist(ctx, snap, ver)
	o, n := old.Clone(), next.Clone()
	r.fire(Change{Old: &o, New: &n})
	r.hookMu.Unlock()
	return next.Clone(), nil
}

// Remove deletes a record that no longer owns a live child.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	old, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return process.Errorf(process.ErrProcessNotFound, id, "no such process")
	}
	if old.Status.Active() {
		r.mu.Unlock()
		return process.Errorf(process.ErrAlreadyRunning, id, "cannot remove while %s", old.Status)
	}
	delete(r.records, id)
	snap, ver := r.snapshotLocked()
	r.hookMu.Lock()
	r.mu.Unlock()

	r.persist(ctx, snap, ver)
	o := old.Clone()
	r.fire(Change{Old: &o})
	r.hookMu.Unlock()
	return nil
}

// Flush writes the current table to the store unconditionally.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	snap, ver := r.snapshotLocked()
	r.mu.Unlock()
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if err := r.store.Save(ctx, snap); err != nil {
		return err
	}
	if ver > r.saved {
		r.saved = ver
	}
	return nil
}

func (r *Registry) snapshotLocked() (map[string]process.Record, uint64) {
	r.version++
	snap := make(map[string]process.Record, len(r.records))
	for k, v := range r.records {
		snap[k] = v.Clone()
	}
	return snap, r.version
}

// persist writes snap unless a newer snapshot already reached the store.
// Failures are logged: the in-memory table stays authoritative.
func (r *Registry) persist(ctx context.Context, snap map[string]process.Record, ver uint64) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if ver <= r.saved {
		return
	}
	if err := r.store.Save(ctx, snap); err != nil {
		r.log.Error("persist process table", "version", ver, "error", err)
		return
	}
	r.saved = ver
}

func (r *Registry) fire(c Change) {
	for _, h := range r.hooks {
		h(c)
	}
}
