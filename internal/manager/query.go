package manager

import (
	"context"
	"errors"

	"github.com/loykin/pyker/internal/logsink"
	"github.com/loykin/pyker/internal/process"
)

// DefaultLogLines is used when a caller asks for a non-positive count.
const DefaultLogLines = 100

// Resolve looks ref up as an id first, then as a name: an active record of
// that name if there is one, otherwise the latest.
func (m *Manager) Resolve(ref string) (process.Record, error) {
	rec, err := m.reg.Get(ref)
	if err == nil || !errors.Is(err, process.ErrProcessNotFound) {
		return rec, err
	}
	if active, ok := m.reg.FindActive(ref, ""); ok {
		return active, nil
	}
	if byName, nerr := m.reg.FindByName(ref); nerr == nil {
		return byName, nil
	}
	return process.Record{}, err
}

func (m *Manager) Get(ref string) (process.Record, error) { return m.Resolve(ref) }

func (m *Manager) List() []process.Record { return m.reg.List() }

// Logs returns the last n lines of ref's output. Lines come from the live
// ring buffer when it holds enough, otherwise from the file.
func (m *Manager) Logs(ref string, n int) ([]string, error) {
	rec, err := m.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = DefaultLogLines
	}
	if sink := m.sinkFor(rec.ID); sink != nil {
		if lines := sink.Tail(n); len(lines) >= n {
			return lines, nil
		}
		sink.Flush()
	}
	if rec.LogFile == "" {
		return []string{}, nil
	}
	lines, err := logsink.TailFile(rec.LogFile, n)
	if err != nil {
		return nil, process.Wrap(process.ErrLogIO, rec.ID, err)
	}
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}

// Follow emits the last n lines of ref's log and then every new line until
// ctx is done.
func (m *Manager) Follow(ctx context.Context, ref string, n int, emit func(string)) error {
	rec, err := m.Resolve(ref)
	if err != nil {
		return err
	}
	if rec.LogFile == "" {
		return process.Errorf(process.ErrLogIO, rec.ID, "process has no log file")
	}
	if sink := m.sinkFor(rec.ID); sink != nil {
		sink.Flush()
	}
	return logsink.Follow(ctx, rec.LogFile, n, emit)
}

func (m *Manager) sinkFor(id string) *logsink.Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[id]; e != nil {
		return e.sink
	}
	return nil
}
