package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/loykin/pyker/internal/process"
)

// Store persists the full process table as one snapshot.
type Store interface {
	Load(ctx context.Context) (map[string]process.Record, error)
	Save(ctx context.Context, records map[string]process.Record) error
	Close() error
}

// File keeps the table as a JSON object mapping id to record. Every Save
// rewrites the whole file atomically so readers never see a torn write.
type File struct {
	path string
	mu   sync.Mutex
}

func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("state file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &File{path: path}, nil
}

func (f *File) Path() string { return f.path }

// Load returns an empty table when the file does not exist yet.
func (f *File) Load(_ context.Context) (map[string]process.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]process.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	out := map[string]process.Record{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", f.path, err)
	}
	for id, r := range out {
		// older files keyed records by id without repeating it inside
		if r.ID == "" {
			r.ID = id
		}
		if r.MaxRestarts == 0 {
			r.MaxRestarts = process.DefaultMaxRestarts
		}
		out[id] = r
	}
	return out, nil
}

func (f *File) Save(_ context.Context, records map[string]process.Record) error {
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := atomicWriteFile(f.path, b, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

func (f *File) Close() error { return nil }

// Memory is a Store that keeps the last snapshot in memory.
type Memory struct {
	mu      sync.Mutex
	records map[string]process.Record
	saves   int
}

func NewMemory() *Memory { return &Memory{records: map[string]process.Record{}} }

func (m *Memory) Load(_ context.Context) (map[string]process.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]process.Record, len(m.records))
	for k, v := range m.records {
		out[k] = v.Clone()
	}
	return out, nil
}

func (m *Memory) Save(_ context.Context, records map[string]process.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]process.Record, len(records))
	for k, v := range records {
		m.records[k] = v.Clone()
	}
	m.saves++
	return nil
}

// Saves reports how many snapshots have been written.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Close() error { return nil }
