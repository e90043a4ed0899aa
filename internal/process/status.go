package process

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a managed process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusErrored  Status = "errored"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusErrored}

// StatusStrings is Statuses as plain strings, for metric label sets.
func StatusStrings() []string {
	out := make([]string, len(Statuses))
	for i, s := range Statuses {
		out[i] = string(s)
	}
	return out
}

// transitions holds the allowed edges of the lifecycle state machine.
// Self transitions are always permitted and are not listed.
var transitions = map[Status][]Status{
	StatusStarting: {StatusRunning, StatusStopping, StatusStopped, StatusErrored},
	// running -> starting is the policy restart edge: the old pid is gone and
	// the supervisor is waiting out the backoff before spawning again.
	StatusRunning:  {StatusStopping, StatusStopped, StatusErrored, StatusStarting},
	StatusStopping: {StatusStopped},
	StatusStopped:  {StatusStarting},
	StatusErrored:  {StatusStarting, StatusStopped},
}

func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Active reports whether a record in this status may own a live child.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// HasPID reports whether a record in this status must carry a pid.
func (s Status) HasPID() bool {
	return s == StatusRunning || s == StatusStopping
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus accepts the canonical lowercase names and the capitalized
// forms found in older state files.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "starting", "Starting":
		return StatusStarting, nil
	case "running", "Running":
		return StatusRunning, nil
	case "stopping", "Stopping":
		return StatusStopping, nil
	case "stopped", "Stopped":
		return StatusStopped, nil
	case "errored", "Errored", "error", "Error":
		return StatusErrored, nil
	}
	return "", fmt.Errorf("unknown process status %q", s)
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	// unknown values stay invalid so the registry can repair the record
	v, err := ParseStatus(raw)
	if err != nil {
		*s = Status(raw)
		return nil
	}
	*s = v
	return nil
}
