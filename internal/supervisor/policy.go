package supervisor

// Decision is the outcome of the restart policy for one unrequested exit.
type Decision int

const (
	// Stop ends supervision with status stopped.
	Stop Decision = iota
	// Restart spawns the script again after the backoff.
	Restart
	// Exhausted ends supervision with status errored.
	Exhausted
)

func (d Decision) String() string {
	switch d {
	case Stop:
		return "stop"
	case Restart:
		return "restart"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// Decide applies the restart policy. It has no side effects.
func Decide(exitCode int, autoRestart bool, restartCount, maxRestarts int) Decision {
	if !autoRestart || exitCode == 0 {
		return Stop
	}
	if restartCount >= maxRestarts {
		return Exhausted
	}
	return Restart
}
