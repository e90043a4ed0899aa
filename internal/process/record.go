package process

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxRestarts bounds policy-triggered restarts when none is given.
const DefaultMaxRestarts = 3

// LegacyTimeLayout is the timestamp format of older state files.
const LegacyTimeLayout = "2006-01-02 15:04:05"

// Record is one managed process as stored in the registry and state file.
type Record struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	ScriptPath   string     `json:"script_path"`
	Status       Status     `json:"status"`
	PID          int        `json:"pid,omitempty"`
	PIDStart     int64      `json:"pid_start,omitempty"`
	StartTime    *Timestamp `json:"start_time,omitempty"`
	StopTime     *Timestamp `json:"stop_time,omitempty"`
	AutoRestart  bool       `json:"auto_restart"`
	RestartCount int        `json:"restart_count"`
	MaxRestarts  int        `json:"max_restarts"`
	CPUPercent   float64    `json:"cpu_percent"`
	MemoryMB     float64    `json:"memory_mb"`
	LogFile      string     `json:"log_file"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Clone returns a deep copy so callers never share pointers with the registry.
func (r Record) Clone() Record {
	c := r
	if r.StartTime != nil {
		t := *r.StartTime
		c.StartTime = &t
	}
	if r.StopTime != nil {
		t := *r.StopTime
		c.StopTime = &t
	}
	if r.ExitCode != nil {
		v := *r.ExitCode
		c.ExitCode = &v
	}
	return c
}

// Validate checks the structural invariants of a record.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record has empty id")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%s: invalid status %q", r.ID, r.Status)
	}
	if r.Status.HasPID() && r.PID <= 0 {
		return fmt.Errorf("%s: status %s requires a pid", r.ID, r.Status)
	}
	if !r.Status.HasPID() && r.PID != 0 {
		return fmt.Errorf("%s: status %s must not carry pid %d", r.ID, r.Status, r.PID)
	}
	if r.RestartCount < 0 || r.RestartCount > r.MaxRestarts {
		return fmt.Errorf("%s: restart_count %d outside [0, %d]", r.ID, r.RestartCount, r.MaxRestarts)
	}
	return nil
}

// Uptime is the time since start for records that own a pid.
func (r Record) Uptime(now time.Time) time.Duration {
	if r.PID == 0 || r.StartTime == nil {
		return 0
	}
	return now.Sub(r.StartTime.Time)
}

// Timestamp is a time that reads both RFC 3339 and the legacy layout.
type Timestamp struct {
	time.Time
}

// At returns a timestamp pointer for t.
func At(t time.Time) *Timestamp { return &Timestamp{Time: t} }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v
		return nil
	}
	v, err := time.ParseInLocation(LegacyTimeLayout, s, time.Local)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	t.Time = v
	return nil
}
