package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/pyker/internal/history"
	"github.com/loykin/pyker/internal/process"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	rec := process.Record{
		ID:          "api_1700000000",
		Name:        "api",
		Status:      process.StatusRunning,
		PID:         4321,
		MaxRestarts: 3,
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now(), Record: rec}); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
	code := 0
	rec.Status = process.StatusStopped
	rec.ExitCode = &code
	if err := sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: time.Now(), Record: rec}); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}

	n, err := sink.Count(ctx, rec.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
