package manager

import (
	"context"
	"errors"

	"github.com/loykin/pyker/internal/logsink"
	"github.com/loykin/pyker/internal/metrics"
	"github.com/loykin/pyker/internal/process"
	"github.com/loykin/pyker/internal/registry"
	"github.com/loykin/pyker/internal/supervisor"
)

var errClosed = errors.New("manager is shut down")

// StartRequest asks for a new supervised script.
type StartRequest struct {
	Name        string `json:"name"`
	ScriptPath  string `json:"script_path"`
	AutoRestart bool   `json:"auto_restart"`
	MaxRestarts int    `json:"max_restarts,omitempty"`
}

// Start creates a record for req and launches its supervisor. Starting a
// name that has any active record fails with AlreadyRunning.
func (m *Manager) Start(ctx context.Context, req StartRequest) (process.Record, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.isClosed() {
		return process.Record{}, errClosed
	}
	if prev, ok := m.reg.FindActive(req.Name, ""); ok {
		return process.Record{}, process.Errorf(process.ErrAlreadyRunning, prev.ID, "process %q is already %s", req.Name, prev.Status)
	}
	rec, err := m.reg.Create(ctx, registry.CreateRequest{
		Name:        req.Name,
		ScriptPath:  req.ScriptPath,
		AutoRestart: req.AutoRestart,
		MaxRestarts: req.MaxRestarts,
	})
	if err != nil {
		return process.Record{}, err
	}
	l := m.opLock(rec.ID)
	l.Lock()
	defer l.Unlock()
	if err := m.launch(rec); err != nil {
		return m.failLaunch(ctx, rec.ID, err)
	}
	m.log.Info("process started", "id", rec.ID, "script", rec.ScriptPath)
	return rec, nil
}

// Stop terminates the record's child, if any, and leaves it stopped. Stopping
// a record without a pid succeeds.
func (m *Manager) Stop(ctx context.Context, ref string) (process.Record, error) {
	rec, err := m.Resolve(ref)
	if err != nil {
		return process.Record{}, err
	}
	l := m.opLock(rec.ID)
	l.Lock()
	defer l.Unlock()
	return m.stopLocked(ctx, rec.ID)
}

// Restart stops the record and starts it again with a fresh restart budget.
// It fails with AlreadyRunning while another record of the same name is
// active. Start and Restart serialise on startMu, always taken before the
// per-id lock.
func (m *Manager) Restart(ctx context.Context, ref string) (process.Record, error) {
	rec, err := m.Resolve(ref)
	if err != nil {
		return process.Record{}, err
	}
	m.startMu.Lock()
	defer m.startMu.Unlock()
	l := m.opLock(rec.ID)
	l.Lock()
	defer l.Unlock()
	if m.isClosed() {
		return process.Record{}, errClosed
	}
	if other, ok := m.reg.FindActive(rec.Name, rec.ID); ok {
		return process.Record{}, process.Errorf(process.ErrAlreadyRunning, other.ID, "process %q is already %s", rec.Name, other.Status)
	}
	if _, err := m.stopLocked(ctx, rec.ID); err != nil {
		return process.Record{}, err
	}
	if _, err := m.opts.Spec.ValidateScript(rec.ScriptPath); err != nil {
		return process.Record{}, err
	}
	rec, err = m.reg.Update(ctx, rec.ID, func(r *process.Record) error {
		r.Status = process.StatusStarting
		r.PID = 0
		r.RestartCount = 0
		r.ExitCode = nil
		r.Error = ""
		r.CPUPercent = 0
		r.MemoryMB = 0
		return nil
	})
	if err != nil {
		return process.Record{}, err
	}
	if err := m.launch(rec); err != nil {
		return m.failLaunch(ctx, rec.ID, err)
	}
	m.log.Info("process restarted", "id", rec.ID)
	return rec, nil
}

// Delete stops the record, removes it from the table and deletes its log
// files.
func (m *Manager) Delete(ctx context.Context, ref string) error {
	rec, err := m.Resolve(ref)
	if err != nil {
		return err
	}
	l := m.opLock(rec.ID)
	l.Lock()
	defer l.Unlock()
	if _, err := m.stopLocked(ctx, rec.ID); err != nil {
		return err
	}
	if err := m.reg.Remove(ctx, rec.ID); err != nil {
		return err
	}
	if rec.LogFile != "" {
		if err := logsink.RemoveAll(rec.LogFile); err != nil {
			m.log.Warn("remove log files", "id", rec.ID, "error", err)
		}
	}
	m.mu.Lock()
	delete(m.opLocks, rec.ID)
	m.mu.Unlock()
	m.log.Info("process deleted", "id", rec.ID)
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, id string) (process.Record, error) {
	m.mu.Lock()
	e := m.entries[id]
	m.mu.Unlock()
	if e != nil {
		e.sup.Stop()
		m.detach(id, e)
	}

	rec, err := m.reg.Get(id)
	if err != nil {
		return process.Record{}, err
	}
	if rec.PID != 0 {
		// recovered from a previous daemon: nobody waits on this pid
		if rec, err = m.stopUnsupervised(ctx, rec); err != nil {
			return process.Record{}, err
		}
	}
	if rec.Status == process.StatusStopped {
		return rec, nil
	}
	return m.reg.Update(ctx, id, func(r *process.Record) error {
		r.Status = process.StatusStopped
		r.PID = 0
		if r.StopTime == nil {
			r.StopTime = process.At(m.now())
		}
		return nil
	})
}

func (m *Manager) stopUnsupervised(ctx context.Context, rec process.Record) (process.Record, error) {
	pid := rec.PID
	_, err := m.reg.Update(ctx, rec.ID, func(r *process.Record) error {
		if r.Status.HasPID() {
			r.Status = process.StatusStopping
		}
		return nil
	})
	if err != nil {
		return process.Record{}, err
	}
	if process.SameInstance(pid, rec.PIDStart) {
		killed, err := process.Terminate(ctx, pid, m.opts.StopTimeout)
		if err != nil {
			return process.Record{}, err
		}
		m.log.Info("stopped unsupervised process", "id", rec.ID, "pid", pid, "killed", killed)
	} else {
		m.log.Warn("pid now belongs to another process, not signalling", "id", rec.ID, "pid", pid)
	}
	return m.reg.Update(ctx, rec.ID, func(r *process.Record) error {
		r.Status = process.StatusStopped
		r.PID = 0
		r.CPUPercent = 0
		r.MemoryMB = 0
		r.StopTime = process.At(m.now())
		return nil
	})
}

// launch opens the log sink and starts a supervisor for a record in status
// starting.
func (m *Manager) launch(rec process.Record) error {
	var sink supervisor.LogSink = discardSink{}
	var ls *logsink.Sink
	if rec.LogFile != "" {
		opts := m.opts.Sink
		opts.Logger = m.opts.Logger
		name := rec.Name
		opts.OnDrop = func() { metrics.IncDroppedLine(name) }
		s, err := logsink.Open(rec.LogFile, opts)
		if err != nil {
			// the child still runs; its output is dropped
			m.log.Error("open log sink, output will be discarded", "id", rec.ID, "name", rec.Name,
				"error", process.Wrap(process.ErrLogIO, rec.ID, err))
			metrics.IncDroppedLine(name)
		} else {
			sink, ls = s, s
		}
	}
	sup := supervisor.New(rec, m.reg, sink, supervisor.Config{
		Spec:         m.opts.Spec,
		Backoff:      m.opts.Backoff,
		StopTimeout:  m.opts.StopTimeout,
		DrainTimeout: m.opts.DrainTimeout,
		Logger:       m.opts.Logger,
		Clock:        m.opts.Clock,
	})
	e := &entry{sup: sup, sink: ls}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if ls != nil {
			_ = ls.Close()
		}
		return errClosed
	}
	m.entries[rec.ID] = e
	m.mu.Unlock()

	sup.Start(m.ctx)
	go func() {
		<-sup.Done()
		m.detach(rec.ID, e)
	}()
	return nil
}

// failLaunch settles a record that never got a supervisor.
func (m *Manager) failLaunch(ctx context.Context, id string, cause error) (process.Record, error) {
	_, _ = m.reg.Update(ctx, id, func(r *process.Record) error {
		r.Status = process.StatusErrored
		r.PID = 0
		r.StopTime = process.At(m.now())
		r.Error = cause.Error()
		return nil
	})
	return process.Record{}, cause
}

// detach forgets a finished supervisor and closes its sink. Safe to call
// more than once.
func (m *Manager) detach(id string, e *entry) {
	m.mu.Lock()
	if m.entries[id] != e {
		m.mu.Unlock()
		return
	}
	delete(m.entries, id)
	m.mu.Unlock()
	if e.sink != nil {
		_ = e.sink.Close()
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type discardSink struct{}

func (discardSink) Append(string) bool { return true }
