package ralph

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

type fakeLiveness struct{ alive bool }

func (f fakeLiveness) Alive(pid int) bool { return f.alive }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLockAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	lock := NewLock(dir, nil, discardLogger())

	if err := lock.Acquire(); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, stateDirName, lockFileName))
	if err != nil {
		t.Fatalf("Lock file missing: %v", err)
	}
	if len(data) == 0 {
		t.Error("Lock file should contain the holder pid")
	}

	lock.Release()
	if _, err := os.Stat(filepath.Join(dir, stateDirName, lockFileName)); !os.IsNotExist(err) {
		t.Error("Lock file should be gone after Release()")
	}
}

// TestLockHeldByLiveProcess verifies a lock naming a live pid is respected.
func TestLockHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()

	first := NewLock(dir, fakeLiveness{alive: true}, discardLogger())
	if err := first.Acquire(); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	second := NewLock(dir, fakeLiveness{alive: true}, discardLogger())
	err := second.Acquire()
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("Second Acquire() = %v, want ErrLockHeld", err)
	}
}

// TestStaleLockRemoved verifies a lock naming a dead pid is discarded and
// the new holder wins.
func TestStaleLockRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, stateDirName, lockFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	lock := NewLock(dir, fakeLiveness{alive: false}, discardLogger())
	if err := lock.Acquire(); err != nil {
		t.Fatalf("Acquire() should replace a stale lock: %v", err)
	}
	lock.Release()
}

func TestProcessLivenessSelf(t *testing.T) {
	var pl ProcessLiveness
	if !pl.Alive(os.Getpid()) {
		t.Error("Alive() should report the current process as live")
	}
	if pl.Alive(0) {
		t.Error("Alive(0) should be false")
	}
}
