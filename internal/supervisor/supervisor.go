package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loykin/pyker/internal/metrics"
	"github.com/loykin/pyker/internal/process"
)

const (
	DefaultBackoff      = 5 * time.Second
	DefaultStopTimeout  = 5 * time.Second
	DefaultDrainTimeout = 500 * time.Millisecond

	maxLineBytes = 1 << 20
	linePrefix   = "[pyker] "
)

// Registry is the part of the process table a supervisor drives.
type Registry interface {
	Get(id string) (process.Record, error)
	Update(ctx context.Context, id string, mutate func(*process.Record) error) (process.Record, error)
}

// LogSink receives captured output lines. Append must not block.
type LogSink interface {
	Append(line string) bool
}

// Config tunes one supervisor.
type Config struct {
	Spec         process.Spec
	Backoff      time.Duration
	StopTimeout  time.Duration
	DrainTimeout time.Duration
	Logger       *slog.Logger
	Clock        func() time.Time
}

func (c *Config) defaults() {
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Supervisor owns the lifecycle of one record: it is the only goroutine that
// spawns, waits on and signals that record's child. Stop is delivered by
// cancelling its context, which every blocking point observes.
type Supervisor struct {
	id   string
	name string
	reg  Registry
	sink LogSink
	cfg  Config
	log  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	pid    atomic.Int64
}

// New prepares a supervisor for a record already in status starting.
func New(rec process.Record, reg Registry, sink LogSink, cfg Config) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		id:   rec.ID,
		name: rec.Name,
		reg:  reg,
		sink: sink,
		cfg:  cfg,
		log:  cfg.Logger.With("id", rec.ID, "name", rec.Name),
		done: make(chan struct{}),
	}
}

// Start launches the lifecycle loop. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(cctx)
}

// Stop requests termination and blocks until the loop has exited and the
// child, if any, has been reaped.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Done is closed when the loop has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// PID is the pid of the current child, or 0.
func (s *Supervisor) PID() int { return int(s.pid.Load()) }

func (s *Supervisor) ID() string { return s.id }

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()
	first := true
	for {
		rec, err := s.reg.Get(s.id)
		if err != nil {
			s.log.Warn("record vanished, supervisor exiting", "error", err)
			return
		}
		code, stopped, spawnErr := s.runOnce(ctx, rec)
		if stopped {
			s.finishStopped()
			return
		}
		if spawnErr != nil {
			metrics.IncSpawnFailure(s.name)
			s.note("spawn failed: %v", spawnErr)
			if first {
				s.markErrored(process.Wrap(process.ErrSpawnFailure, s.id, spawnErr))
				return
			}
			code = -1
		} else {
			s.note("process exited with code %d", code)
		}
		first = false

		rec, err = s.reg.Get(s.id)
		if err != nil {
			return
		}
		switch Decide(code, rec.AutoRestart, rec.RestartCount, rec.MaxRestarts) {
		case Stop:
			s.commit(func(r *process.Record) {
				r.Status = process.StatusStopped
				r.PID = 0
				r.StopTime = process.At(s.cfg.Clock())
				r.ExitCode = &code
			})
			return
		case Exhausted:
			limit := process.Errorf(process.ErrRestartLimitExceeded, s.id, "gave up after %d restarts", rec.MaxRestarts)
			s.note("restart limit reached (%d/%d), not restarting", rec.RestartCount, rec.MaxRestarts)
			s.log.Error("restart budget exhausted", "restarts", rec.RestartCount, "exit_code", code)
			s.commit(func(r *process.Record) {
				r.Status = process.StatusErrored
				r.PID = 0
				r.StopTime = process.At(s.cfg.Clock())
				r.ExitCode = &code
				r.Error = limit.Error()
			})
			return
		case Restart:
			attempt := rec.RestartCount + 1
			s.note("restarting in %s (attempt %d/%d)", s.cfg.Backoff, attempt, rec.MaxRestarts)
			s.log.Info("scheduling restart", "attempt", attempt, "max", rec.MaxRestarts, "exit_code", code)
			metrics.IncRestart(s.name)
			if !s.commit(func(r *process.Record) {
				r.Status = process.StatusStarting
				r.PID = 0
				r.RestartCount = attempt
				r.StopTime = process.At(s.cfg.Clock())
				r.ExitCode = &code
			}) {
				return
			}
			if !s.sleep(ctx, s.cfg.Backoff) {
				s.finishStopped()
				return
			}
		}
	}
}

// runOnce spawns the script and blocks until it exits or ctx is cancelled.
// stopped reports that the exit was operator requested.
func (s *Supervisor) runOnce(ctx context.Context, rec process.Record) (code int, stopped bool, spawnErr error) {
	if ctx.Err() != nil {
		return 0, true, nil
	}
	cmd, err := s.cfg.Spec.BuildCommand(rec.ScriptPath)
	if err != nil {
		return 0, false, err
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return 0, false, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return 0, false, err
	}
	// the child holds its own copy of the write end
	_ = pw.Close()

	pid := cmd.Process.Pid
	s.pid.Store(int64(pid))
	defer s.pid.Store(0)

	pumpDone := make(chan struct{})
	go s.pump(pr, pumpDone)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	metrics.IncStart(s.name)
	s.note("process started (pid %d)", pid)
	s.log.Info("process started", "pid", pid)
	if !s.commit(func(r *process.Record) {
		r.Status = process.StatusRunning
		r.PID = pid
		r.PIDStart = process.StartUnix(pid)
		r.StartTime = process.At(s.cfg.Clock())
		r.StopTime = nil
		r.Error = ""
	}) {
		// the record can no longer be driven; do not leave the child behind
		code = s.terminate(pid, waitCh)
		s.drain(pr, pumpDone)
		return code, true, nil
	}

	select {
	case err := <-waitCh:
		s.drain(pr, pumpDone)
		if ctx.Err() != nil {
			return exitCode(err), true, nil
		}
		return exitCode(err), false, nil
	case <-ctx.Done():
		s.commit(func(r *process.Record) {
			r.Status = process.StatusStopping
		})
		code = s.terminate(pid, waitCh)
		s.drain(pr, pumpDone)
		return code, true, nil
	}
}

// terminate sends SIGTERM to the child's group, waits StopTimeout, then
// SIGKILLs the group and waits for the reap.
func (s *Supervisor) terminate(pid int, waitCh <-chan error) int {
	s.note("stopping (SIGTERM to pid %d)", pid)
	if err := process.SignalGroup(pid, syscall.SIGTERM); err != nil {
		s.log.Warn("SIGTERM failed", "pid", pid, "error", err)
	}
	t := time.NewTimer(s.cfg.StopTimeout)
	defer t.Stop()
	select {
	case err := <-waitCh:
		return exitCode(err)
	case <-t.C:
	}
	s.note("did not exit within %s, sending SIGKILL", s.cfg.StopTimeout)
	s.log.Warn("grace period elapsed, killing process group", "pid", pid)
	if err := process.SignalGroup(pid, syscall.SIGKILL); err != nil {
		s.log.Error("SIGKILL failed", "pid", pid, "error", err)
	}
	return exitCode(<-waitCh)
}

// pump forwards the merged output stream line by line. Lines longer than
// maxLineBytes are split.
func (s *Supervisor) pump(r io.Reader, done chan<- struct{}) {
	defer close(done)
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	for {
		frag, isPrefix, err := br.ReadLine()
		buf = append(buf, frag...)
		if err != nil {
			if len(buf) > 0 {
				s.sink.Append(string(buf))
			}
			return
		}
		if isPrefix && len(buf) < maxLineBytes {
			continue
		}
		s.sink.Append(string(buf))
		buf = buf[:0]
	}
}

// drain gives the reader a bounded window to flush what the child wrote
// before exiting, then closes the pipe so a grandchild still holding the
// write end cannot pin the reader forever.
func (s *Supervisor) drain(pr *os.File, pumpDone <-chan struct{}) {
	t := time.NewTimer(s.cfg.DrainTimeout)
	defer t.Stop()
	select {
	case <-pumpDone:
	case <-t.C:
	}
	_ = pr.Close()
	<-pumpDone
}

func (s *Supervisor) finishStopped() {
	s.note("process stopped")
	s.log.Info("process stopped")
	s.commit(func(r *process.Record) {
		r.Status = process.StatusStopped
		r.PID = 0
		if r.StopTime == nil || r.StartTime == nil || r.StopTime.Before(r.StartTime.Time) {
			r.StopTime = process.At(s.cfg.Clock())
		}
	})
}

func (s *Supervisor) markErrored(err error) {
	s.log.Error("spawn failed", "error", err)
	s.commit(func(r *process.Record) {
		r.Status = process.StatusErrored
		r.PID = 0
		r.StopTime = process.At(s.cfg.Clock())
		r.Error = err.Error()
	})
}

// commit applies mutate through the registry. Updates must land even while
// the loop is being cancelled, so the registry call is detached from ctx.
func (s *Supervisor) commit(mutate func(*process.Record)) bool {
	_, err := s.reg.Update(context.Background(), s.id, func(r *process.Record) error {
		mutate(r)
		return nil
	})
	if err != nil {
		s.log.Error("state update rejected", "error", err)
		return false
	}
	return true
}

// note writes a lifecycle line into the process log.
func (s *Supervisor) note(format string, args ...any) {
	s.sink.Append(linePrefix + fmt.Sprintf(format, args...))
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// exitCode maps a Wait error to an exit status. Deaths by signal map to -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
