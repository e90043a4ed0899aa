package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueue   = 256
	defaultTimeout = 5 * time.Second
)

// Dispatcher fans events out to sinks from a background goroutine so that a
// slow database never delays a state transition. Events are dropped when the
// queue is full.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	log     *slog.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(log *slog.Logger, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, defaultQueue),
		timeout: defaultTimeout,
		log:     log,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues e without blocking.
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || len(d.sinks) == 0 {
		return
	}
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
		d.log.Warn("history queue full, dropping event", "type", e.Type, "id", e.Record.ID)
	}
}

func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				d.log.Error("history sink send failed", "type", e.Type, "id", e.Record.ID, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes every sink that is an io.Closer.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done

	var errs []error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
