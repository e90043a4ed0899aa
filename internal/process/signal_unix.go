//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// SignalGroup delivers sig to the process group led by pid, falling back to
// the pid alone when it does not lead a group. A missing process is not an error.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// terminateSignal asks pid's group to exit gracefully.
func terminateSignal(pid int) error { return SignalGroup(pid, syscall.SIGTERM) }

// killSignal forcibly ends pid's group.
func killSignal(pid int) error { return SignalGroup(pid, syscall.SIGKILL) }

// Alive reports whether pid names a live, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// isZombieLinux returns true if /proc/<pid>/status reports state Z.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
