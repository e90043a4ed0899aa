package process

import (
	"context"
	"time"
)

const pollInterval = 50 * time.Millisecond

// Terminate stops a process this program cannot wait on (for example one
// recovered from the state file): SIGTERM to its group, poll until grace
// elapses, then SIGKILL. A process that is already gone counts as success.
// The returned bool reports whether the kill escalation was needed.
func Terminate(ctx context.Context, pid int, grace time.Duration) (bool, error) {
	if !Alive(pid) {
		return false, nil
	}
	if err := terminateSignal(pid); err != nil {
		return false, err
	}
	if waitGone(ctx, pid, grace) {
		return false, nil
	}
	if err := killSignal(pid); err != nil {
		return true, err
	}
	waitGone(ctx, pid, time.Second)
	return true, nil
}

func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if !Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !Alive(pid)
		case <-deadline.C:
			return !Alive(pid)
		case <-tick.C:
		}
	}
}
