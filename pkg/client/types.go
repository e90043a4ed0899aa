package client

import (
	"fmt"
	"time"
)

// StartRequest asks the daemon to supervise a new script.
type StartRequest struct {
	Name        string `json:"name"`
	ScriptPath  string `json:"script_path"`
	AutoRestart bool   `json:"auto_restart"`
	MaxRestarts int    `json:"max_restarts,omitempty"`
}

// Process is one record as reported by the daemon.
type Process struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	ScriptPath   string     `json:"script_path"`
	Status       string     `json:"status"`
	PID          int        `json:"pid,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	StopTime     *time.Time `json:"stop_time,omitempty"`
	AutoRestart  bool       `json:"auto_restart"`
	RestartCount int        `json:"restart_count"`
	MaxRestarts  int        `json:"max_restarts"`
	CPUPercent   float64    `json:"cpu_percent"`
	MemoryMB     float64    `json:"memory_mb"`
	LogFile      string     `json:"log_file"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Info summarises the daemon's table.
type Info struct {
	Total       int            `json:"total"`
	Counts      map[string]int `json:"counts"`
	Supervised  int            `json:"supervised"`
	StateFile   string         `json:"state_file,omitempty"`
	LogDir      string         `json:"log_dir,omitempty"`
	ConfigFile  string         `json:"config_file,omitempty"`
	Interpreter string         `json:"interpreter"`
	Monitor     string         `json:"monitor_interval"`
}

type logsResponse struct {
	ID    string   `json:"id"`
	Lines []string `json:"lines"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// KindUnreachable marks transport failures talking to the daemon.
const KindUnreachable = "DaemonUnreachable"

// APIError carries the daemon's error kind so callers can report it.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return e.Kind + ": " + e.Message
}
