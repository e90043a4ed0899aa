package process

// startTolerance absorbs rounding between clock-tick and wall-clock sources.
const startTolerance = 1

// SameInstance reports whether pid still names the process whose start
// time was recorded as start. Unknown start times count as a match, so
// records without a recorded start (older state files) stay exposed to pid
// reuse.
func SameInstance(pid int, start int64) bool {
	return sameStart(start, StartUnix(pid))
}

func sameStart(recorded, current int64) bool {
	if recorded <= 0 || current <= 0 {
		return true
	}
	d := current - recorded
	return d >= -startTolerance && d <= startTolerance
}
