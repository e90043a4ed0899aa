package logsink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/pyker/internal/process"
)

const (
	DefaultMaxSizeMB   = 10
	DefaultMaxFiles    = 5
	DefaultBufferLines = 1000
	DefaultQueueSize   = 4096

	// TimeLayout prefixes every captured line.
	TimeLayout = "2006-01-02 15:04:05"
)

// Options controls rotation and buffering of a Sink.
type Options struct {
	RotationEnabled bool
	MaxSizeMB       int
	MaxBytes        int64 // overrides MaxSizeMB when positive
	MaxFiles        int
	BufferLines     int
	QueueSize       int
	Logger          *slog.Logger
	OnDrop          func() // called once per dropped line
	Clock           func() time.Time
}

// DefaultOptions enables rotation at 10 MB keeping 5 files.
func DefaultOptions() Options {
	return Options{
		RotationEnabled: true,
		MaxSizeMB:       DefaultMaxSizeMB,
		MaxFiles:        DefaultMaxFiles,
		BufferLines:     DefaultBufferLines,
		QueueSize:       DefaultQueueSize,
	}
}

func (o Options) maxBytes() int64 {
	if o.MaxBytes > 0 {
		return o.MaxBytes
	}
	mb := o.MaxSizeMB
	if mb <= 0 {
		mb = DefaultMaxSizeMB
	}
	return int64(mb) * 1024 * 1024
}

type entry struct {
	line  string
	flush chan struct{}
}

// Sink is the append-only log of one process. Append never blocks: lines
// go through a bounded queue drained by a single writer goroutine, and a
// full queue or a failing disk drops lines instead of stalling the caller.
type Sink struct {
	path string
	opts Options
	log  *slog.Logger
	ring *ring

	queue     chan entry
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	sendMu    sync.RWMutex

	// owned by the writer goroutine
	file    *os.File
	size    int64
	failing bool

	dropped atomic.Uint64
	written atomic.Uint64
}

// Open prepares the log at path, rotating it first when it already exceeds
// the size threshold, and starts the writer.
func Open(path string, opts Options) (*Sink, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	s := &Sink{
		path:  path,
		opts:  opts,
		log:   l.With("log_file", path),
		ring:  newRing(opts.BufferLines),
		queue: make(chan entry, opts.QueueSize),
		done:  make(chan struct{}),
	}
	if opts.RotationEnabled {
		if fi, err := os.Stat(path); err == nil && fi.Size() > opts.maxBytes() {
			if err := Rotate(path, opts.MaxFiles); err != nil {
				return nil, fmt.Errorf("rotate on open: %w", err)
			}
		}
	}
	if err := s.reopen(); err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

func (s *Sink) Path() string { return s.path }

// Append stamps line with the current time and queues it. It reports false
// when the line was dropped.
func (s *Sink) Append(line string) bool {
	line = strings.TrimRight(line, "\r\n")
	stamped := "[" + s.opts.Clock().Format(TimeLayout) + "] " + line
	s.ring.push(stamped)

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		s.drop()
		return false
	}
	select {
	case s.queue <- entry{line: stamped}:
		return true
	default:
		s.drop()
		return false
	}
}

func (s *Sink) drop() {
	s.dropped.Add(1)
	if s.opts.OnDrop != nil {
		s.opts.OnDrop()
	}
}

// Flush blocks until every line queued before the call reached the file.
func (s *Sink) Flush() {
	ch := make(chan struct{})
	s.sendMu.RLock()
	if s.closed.Load() {
		s.sendMu.RUnlock()
		return
	}
	s.queue <- entry{flush: ch}
	s.sendMu.RUnlock()
	<-ch
}

// Tail returns up to n recent lines from memory, oldest first.
func (s *Sink) Tail(n int) []string { return s.ring.last(n) }

// Dropped reports how many lines never reached the file.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Written reports how many lines reached the file.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Close drains queued lines and closes the file.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		close(s.queue)
		s.sendMu.Unlock()
	})
	<-s.done
	return nil
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.queue {
		if e.flush != nil {
			close(e.flush)
			continue
		}
		s.write(e.line)
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.log.Warn("close process log", "error", err)
		}
		s.file = nil
	}
}

func (s *Sink) write(line string) {
	if s.opts.RotationEnabled && s.size > s.opts.maxBytes() {
		if err := s.rotate(); err != nil {
			s.fail(err)
			s.drop()
			return
		}
	}
	if s.file == nil {
		if err := s.reopen(); err != nil {
			s.fail(err)
			s.drop()
			return
		}
	}
	n, err := s.file.WriteString(line + "\n")
	s.size += int64(n)
	if err != nil {
		s.fail(err)
		s.drop()
		return
	}
	s.written.Add(1)
	if s.failing {
		s.failing = false
		s.log.Info("process log writable again")
	}
}

// fail reports the first error of a failure streak on the diagnostic log.
func (s *Sink) fail(err error) {
	if s.failing {
		return
	}
	s.failing = true
	s.log.Error("process log write failed, dropping output", "error", process.Wrap(process.ErrLogIO, "", err))
}

func (s *Sink) rotate() error {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := Rotate(s.path, s.opts.MaxFiles); err != nil {
		return err
	}
	return s.reopen()
}

func (s *Sink) reopen() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open process log: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat process log: %w", err)
	}
	s.file = f
	s.size = fi.Size()
	return nil
}
