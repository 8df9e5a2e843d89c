package agent

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecuteCommandCapturesOutput(t *testing.T) {
	cmd := newCommand(context.Background(), "sh", "-c", "echo out; echo err 1>&2")
	stdout, stderr, err := executeCommand(context.Background(), cmd, nil)
	if err != nil {
		t.Fatalf("executeCommand() failed: %v", err)
	}
	if strings.TrimSpace(string(stdout)) != "out" {
		t.Errorf("stdout = %q", stdout)
	}
	if strings.TrimSpace(string(stderr)) != "err" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestExecuteCommandFailure(t *testing.T) {
	cmd := newCommand(context.Background(), "sh", "-c", "echo broken 1>&2; exit 3")
	_, stderr, err := executeCommand(context.Background(), cmd, nil)
	if err == nil {
		t.Fatal("executeCommand() should surface a non-zero exit")
	}
	if !strings.Contains(string(stderr), "broken") {
		t.Errorf("stderr = %q, want captured output", stderr)
	}
}

func TestExecuteCommandTracksProcess(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "true")
	if _, _, err := executeCommand(context.Background(), cmd, pm); err != nil {
		t.Fatalf("executeCommand() failed: %v", err)
	}
	// Untracked once the command finishes.
	if pm.Count() != 0 {
		t.Errorf("Count() = %d after completion, want 0", pm.Count())
	}
}

// TestKillAllTerminatesProcessGroup verifies shutdown kills tracked
// subprocesses and their process group.
func TestKillAllTerminatesProcessGroup(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Starting subprocess failed: %v", err)
	}
	pm.Track(cmd)

	if pm.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", pm.Count())
	}
	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Killed process should report a non-zero exit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after KillAll()")
	}
	pm.Untrack(cmd)
}
