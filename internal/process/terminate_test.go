//go:build !windows

package process

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func startDetached(t *testing.T, script string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// reap in the background so the pid does not linger as a zombie
	go func() { _ = cmd.Wait() }()
	return cmd
}

func TestTerminate_Graceful(t *testing.T) {
	cmd := startDetached(t, "sleep 30")
	pid := cmd.Process.Pid
	if !Alive(pid) {
		t.Fatalf("expected pid %d alive", pid)
	}
	killed, err := Terminate(context.Background(), pid, 2*time.Second)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if killed {
		t.Fatalf("sleep should exit on SIGTERM without escalation")
	}
	if Alive(pid) {
		t.Fatalf("pid %d still alive", pid)
	}
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	cmd := startDetached(t, "trap '' TERM; while true; do sleep 0.1; done")
	pid := cmd.Process.Pid
	time.Sleep(100 * time.Millisecond)
	killed, err := Terminate(context.Background(), pid, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !killed {
		t.Fatalf("expected SIGKILL escalation")
	}
	if Alive(pid) {
		t.Fatalf("pid %d survived SIGKILL", pid)
	}
}

func TestTerminate_MissingProcessIsSuccess(t *testing.T) {
	cmd := startDetached(t, "exit 0")
	pid := cmd.Process.Pid
	deadline := time.Now().Add(2 * time.Second)
	for Alive(pid) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := Terminate(context.Background(), pid, time.Second); err != nil {
		t.Fatalf("dead pid should not error: %v", err)
	}
	if err := SignalGroup(pid, syscall.SIGTERM); err != nil {
		t.Fatalf("signal to dead pid should not error: %v", err)
	}
}
