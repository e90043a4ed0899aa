package process

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusStarting, StatusRunning, true},
		{StatusStarting, StatusErrored, true},
		{StatusRunning, StatusStopping, true},
		{StatusRunning, StatusStarting, true},
		{StatusRunning, StatusRunning, true},
		{StatusStopping, StatusStopped, true},
		{StatusStopping, StatusRunning, false},
		{StatusStopped, StatusRunning, false},
		{StatusStopped, StatusStarting, true},
		{StatusErrored, StatusRunning, false},
		{StatusErrored, StatusStarting, true},
		{Status("bogus"), Status("bogus"), false},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestParseStatus_LegacyNames(t *testing.T) {
	for in, want := range map[string]Status{
		"running": StatusRunning,
		"Running": StatusRunning,
		"Stopped": StatusStopped,
		"error":   StatusErrored,
	} {
		got, err := ParseStatus(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStatus("zombie")
	assert.Error(t, err)

	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"Stopping"`), &s))
	assert.Equal(t, StatusStopping, s)

	require.NoError(t, json.Unmarshal([]byte(`"paused"`), &s))
	assert.False(t, s.Valid())
}

func TestStatus_HasPID(t *testing.T) {
	assert.True(t, StatusRunning.HasPID())
	assert.True(t, StatusStopping.HasPID())
	assert.False(t, StatusStarting.HasPID())
	assert.False(t, StatusStopped.HasPID())
	assert.False(t, StatusErrored.HasPID())
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, []string{"starting", "running", "stopping", "stopped", "errored"}, StatusStrings())
}
