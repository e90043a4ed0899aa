//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonAttrs puts the daemon in its own session so it survives
// the launching terminal.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func isDaemonSupported() bool { return true }
