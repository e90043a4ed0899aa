//go:build windows

package process

import (
	"os"
	"syscall"
)

// SignalGroup terminates pid; Windows has no signal delivery to groups.
func SignalGroup(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	_ = p.Kill()
	return nil
}

func terminateSignal(pid int) error { return SignalGroup(pid, syscall.SIGTERM) }

func killSignal(pid int) error { return SignalGroup(pid, syscall.SIGKILL) }

// Alive reports whether pid can be opened.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
