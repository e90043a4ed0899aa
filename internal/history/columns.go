package history

import "database/sql"

// Row is the flattened form of an Event written by the SQL sinks.
type Row struct {
	OccurredAt   any
	Event        string
	ProcessID    string
	Name         string
	PID          int
	Status       string
	RestartCount int
	ExitCode     sql.NullInt64
	Error        sql.NullString
}

// RowOf flattens e for insertion.
func RowOf(e Event) Row {
	r := Row{
		OccurredAt:   e.OccurredAt.UTC(),
		Event:        string(e.Type),
		ProcessID:    e.Record.ID,
		Name:         e.Record.Name,
		PID:          e.Record.PID,
		Status:       e.Record.Status.String(),
		RestartCount: e.Record.RestartCount,
	}
	if e.Record.ExitCode != nil {
		r.ExitCode = sql.NullInt64{Int64: int64(*e.Record.ExitCode), Valid: true}
	}
	if e.Record.Error != "" {
		r.Error = sql.NullString{String: e.Record.Error, Valid: true}
	}
	return r
}

// Args returns the row values in insert column order.
func (r Row) Args() []any {
	return []any{r.OccurredAt, r.Event, r.ProcessID, r.Name, r.PID, r.Status, r.RestartCount, r.ExitCode, r.Error}
}
