package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/pyker/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options selects the server and table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "process_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			occurred_at DateTime64(6),
			event String,
			process_id String,
			name String,
			pid Int64,
			status String,
			restart_count Int64,
			exit_code Nullable(Int64),
			error Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, process_id)
	`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, event, process_id, name, pid, status, restart_count, exit_code, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var exitCode *int64
	if e.Record.ExitCode != nil {
		v := int64(*e.Record.ExitCode)
		exitCode = &v
	}
	var errText *string
	if e.Record.Error != "" {
		errText = &e.Record.Error
	}
	err := s.conn.Exec(ctx, query,
		e.OccurredAt.UTC(),
		string(e.Type),
		e.Record.ID,
		e.Record.Name,
		int64(e.Record.PID),
		e.Record.Status.String(),
		int64(e.Record.RestartCount),
		exitCode,
		errText,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns how many events were recorded for a process id.
func (s *Sink) Count(ctx context.Context, processID string) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.table+" WHERE process_id = ?", processID).Scan(&n)
	return n, err
}
