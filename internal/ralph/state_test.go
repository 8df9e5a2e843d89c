package ralph

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStateSaveLoadClear(t *testing.T) {
	dir := t.TempDir()

	st := NewState(7, 5)
	st.ObserveFailure("test", "abc123def456", false)
	st.LastFailure = "FAIL: TestThing"
	if err := st.Save(dir); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := LoadState(dir)
	if err != nil {
		t.Fatalf("LoadState() failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadState() returned nil for a saved state")
	}
	if loaded.TaskID != 7 || loaded.Iteration != 1 || loaded.MaxIterations != 5 {
		t.Errorf("Loaded state = %+v", loaded)
	}
	if loaded.LastGate != "test" || loaded.LastFailureHash != "abc123def456" {
		t.Errorf("Loaded failure fields = %q %q", loaded.LastGate, loaded.LastFailureHash)
	}
	if loaded.LastFailure != "FAIL: TestThing" {
		t.Errorf("LastFailure = %q", loaded.LastFailure)
	}
	if len(loaded.Attempts) != 1 {
		t.Fatalf("Loaded %d attempts, want 1", len(loaded.Attempts))
	}

	if err := ClearState(dir); err != nil {
		t.Fatalf("ClearState() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, stateDirName, stateFileName)); !os.IsNotExist(err) {
		t.Error("State file should be gone after ClearState()")
	}
	// Clearing again is not an error.
	if err := ClearState(dir); err != nil {
		t.Errorf("Second ClearState() failed: %v", err)
	}
}

func TestLoadStateMissing(t *testing.T) {
	st, err := LoadState(t.TempDir())
	if err != nil {
		t.Fatalf("LoadState() failed: %v", err)
	}
	if st != nil {
		t.Errorf("LoadState() = %+v for an empty directory, want nil", st)
	}
}

// TestObserveFailureStuckCounting verifies the stuck counter counts repeats
// of the previous signature and resets when the signature changes.
func TestObserveFailureStuckCounting(t *testing.T) {
	st := NewState(1, 5)

	st.ObserveFailure("test", "aaaa", false)
	if st.StuckCount != 0 {
		t.Errorf("First failure StuckCount = %d, want 0", st.StuckCount)
	}
	st.ObserveFailure("test", "aaaa", false)
	if st.StuckCount != 1 {
		t.Errorf("Repeat failure StuckCount = %d, want 1", st.StuckCount)
	}
	st.ObserveFailure("test", "aaaa", false)
	if st.StuckCount != 2 {
		t.Errorf("Third identical failure StuckCount = %d, want 2", st.StuckCount)
	}
	st.ObserveFailure("test", "bbbb", false)
	if st.StuckCount != 0 {
		t.Errorf("Changed signature StuckCount = %d, want 0", st.StuckCount)
	}
	if len(st.Attempts) != 4 {
		t.Errorf("Attempt log has %d entries, want 4", len(st.Attempts))
	}
}

func TestFailureHash(t *testing.T) {
	h := FailureHash("line one\nline two", 20)
	if len(h) != 12 {
		t.Errorf("FailureHash length = %d, want 12", len(h))
	}

	// Only the first maxLines lines participate.
	long := "same\nsame\nextra tail"
	if FailureHash(long, 2) != FailureHash("same\nsame\ndifferent tail", 2) {
		t.Error("Lines beyond the bound should not affect the hash")
	}
	if FailureHash("a", 20) == FailureHash("b", 20) {
		t.Error("Different output should hash differently")
	}
}
