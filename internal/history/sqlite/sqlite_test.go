package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/pyker/internal/history"
	"github.com/loykin/pyker/internal/process"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	code := 1
	rec := process.Record{
		ID:          "worker_1700000000",
		Name:        "worker",
		Status:      process.StatusRunning,
		PID:         12345,
		StartTime:   process.At(time.Now().Add(-time.Minute)),
		MaxRestarts: 3,
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now(), Record: rec}); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
	rec.Status = process.StatusErrored
	rec.ExitCode = &code
	rec.Error = "gave up after 3 restarts"
	if err := sink.Send(ctx, history.Event{Type: history.EventErrored, OccurredAt: time.Now(), Record: rec}); err != nil {
		t.Fatalf("Failed to send errored event: %v", err)
	}

	n, err := sink.Count(ctx, rec.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}

	// schema creation is idempotent
	again, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = again.Close()
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Send(context.Background(), history.Event{Type: history.EventStop, OccurredAt: time.Now(), Record: process.Record{ID: "a", Name: "a", Status: process.StatusStopped}}); err != nil {
		t.Fatalf("send: %v", err)
	}
}
