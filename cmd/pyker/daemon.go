package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// daemonArgs returns the current arguments minus --daemonize and
// --logfile, which only concern the parent.
func daemonArgs(args []string) []string {
	out := make([]string, 0, len(args))
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize", strings.HasPrefix(arg, "--daemonize="):
			continue
		case arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	return out
}

// daemonize re-executes the binary detached from the terminal and returns
// once the child has started. The child writes --pidfile itself.
func daemonize(pidFile string, logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204 -- re-executing ourselves
	cmd := exec.Command(executable, daemonArgs(os.Args[1:])...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o750); err != nil {
			return fmt.Errorf("failed to create log dir: %w", err)
		}
		// #nosec G304 -- operator supplied path
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	fmt.Printf("Daemon started with PID %d\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

// writePidFile writes the daemon PID to a file
func writePidFile(pidFile string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o750); err != nil {
		return err
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0o600)
}

// removePidFile removes the PID file
func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
