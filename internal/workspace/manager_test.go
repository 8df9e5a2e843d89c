package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// initRepo creates a throwaway git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping git fixture test in short mode")
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial commit")
	return dir
}

func newTestManager(t *testing.T, repo string) *Manager {
	t.Helper()
	return NewManager(Config{RepoPath: repo, BaseBranch: "main", WorktreeDir: ".worktrees"})
}

func writeInWorkspace(t *testing.T, ws *Workspace, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(ws.Path, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("git", "add", "-A")
	cmd.Dir = ws.Path
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git add failed: %v\n%s", err, out)
	}
	cmd = exec.Command("git", "commit", "-m", "work")
	cmd.Dir = ws.Path
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit failed: %v\n%s", err, out)
	}
}

func TestCreateAndRemove(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	ws, err := m.Create(1, "add-model")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if ws.Branch != "task/1-add-model" {
		t.Errorf("Branch = %q", ws.Branch)
	}
	if ws.Head == "" {
		t.Error("Workspace should record its starting commit")
	}
	if _, err := os.Stat(ws.Path); err != nil {
		t.Errorf("Worktree path missing: %v", err)
	}

	listed, err := m.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(listed) != 1 || listed[0].TaskID != 1 {
		t.Errorf("List() = %+v", listed)
	}

	if err := m.Remove(ws); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("Worktree path should be gone after Remove()")
	}

	// Branch deleted too, so the same task can be re-created.
	ws2, err := m.Create(1, "add-model")
	if err != nil {
		t.Fatalf("Re-Create() after Remove() failed: %v", err)
	}
	if err := m.Remove(ws2); err != nil {
		t.Errorf("Remove() failed: %v", err)
	}
}

func TestSquashMergeCommitted(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	ws, err := m.Create(1, "feature")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	writeInWorkspace(t, ws, "feature.txt", "new file\n")

	res, err := m.SquashMerge(ws, "Add feature")
	if err != nil {
		t.Fatalf("SquashMerge() failed: %v", err)
	}
	if res.Outcome != MergeCommitted {
		t.Fatalf("Outcome = %s, want committed", res.Outcome)
	}

	// The squash commit lands as a single commit on main.
	cmd := exec.Command("git", "log", "-1", "--format=%s", "main")
	cmd.Dir = repo
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "Task 1: Add feature") {
		t.Errorf("Tip commit = %q", out)
	}

	if err := m.Remove(ws); err != nil {
		t.Errorf("Remove() failed: %v", err)
	}
}

// TestCommitAllThenMerge mirrors the runner's success path: uncommitted
// agent edits are committed onto the task branch, then squash-merged.
func TestCommitAllThenMerge(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	ws, err := m.Create(5, "edits")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, "gen.txt"), []byte("generated\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	committed, err := m.CommitAll(ws, "Task 5: Edits")
	if err != nil {
		t.Fatalf("CommitAll() failed: %v", err)
	}
	if !committed {
		t.Fatal("CommitAll() should report a commit for dirty workspace")
	}

	// A second call with nothing new is a no-op.
	committed, err = m.CommitAll(ws, "Task 5: Edits")
	if err != nil {
		t.Fatalf("CommitAll() failed: %v", err)
	}
	if committed {
		t.Error("CommitAll() should report false for a clean workspace")
	}

	// Retry-loop state files are runtime artifacts, never task work.
	if err := os.MkdirAll(filepath.Join(ws.Path, ".waverunner"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, ".waverunner", "state.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	committed, err = m.CommitAll(ws, "Task 5: Edits")
	if err != nil {
		t.Fatalf("CommitAll() failed: %v", err)
	}
	if committed {
		t.Error("CommitAll() should ignore .waverunner contents")
	}

	res, err := m.SquashMerge(ws, "Edits")
	if err != nil || res.Outcome != MergeCommitted {
		t.Fatalf("SquashMerge() = %+v, %v", res, err)
	}
	if err := m.Remove(ws); err != nil {
		t.Errorf("Remove() failed: %v", err)
	}
}

func TestSquashMergeNoChanges(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	ws, err := m.Create(2, "noop")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	defer m.Remove(ws)

	res, err := m.SquashMerge(ws, "No-op task")
	if err != nil {
		t.Fatalf("SquashMerge() failed: %v", err)
	}
	if res.Outcome != MergeNoChanges {
		t.Errorf("Outcome = %s, want no-changes", res.Outcome)
	}
}

// TestSquashMergeConflictLeavesTipUnchanged verifies a conflicted merge is
// aborted and the shared branch tip is exactly what it was before.
func TestSquashMergeConflictLeavesTipUnchanged(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	// Two workspaces edit the same file from the same base.
	ws1, err := m.Create(1, "first")
	if err != nil {
		t.Fatalf("Create(1) failed: %v", err)
	}
	ws2, err := m.Create(2, "second")
	if err != nil {
		t.Fatalf("Create(2) failed: %v", err)
	}
	writeInWorkspace(t, ws1, "README.md", "first version\n")
	writeInWorkspace(t, ws2, "README.md", "second version\n")

	res, err := m.SquashMerge(ws1, "First edit")
	if err != nil || res.Outcome != MergeCommitted {
		t.Fatalf("First merge = %+v, %v", res, err)
	}

	tipBefore, err := m.Tip()
	if err != nil {
		t.Fatal(err)
	}

	res, err = m.SquashMerge(ws2, "Second edit")
	if err != nil {
		t.Fatalf("Conflicted SquashMerge() returned error: %v", err)
	}
	if res.Outcome != MergeConflict {
		t.Fatalf("Outcome = %s, want conflict", res.Outcome)
	}
	if len(res.ConflictFiles) == 0 || res.ConflictFiles[0] != "README.md" {
		t.Errorf("ConflictFiles = %v", res.ConflictFiles)
	}

	tipAfter, err := m.Tip()
	if err != nil {
		t.Fatal(err)
	}
	if tipBefore != tipAfter {
		t.Errorf("Shared branch tip moved across a conflicted merge: %s -> %s", tipBefore, tipAfter)
	}

	m.Remove(ws1)
	m.Remove(ws2)
}

// TestPreserveFailure verifies failed work survives on a timestamped branch
// even when the workspace has no new commits.
func TestPreserveFailure(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	ws, err := m.Create(3, "doomed")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// Uncommitted edits only, plus the loop's state and lock files still
	// present the way they are when preservation runs.
	if err := os.WriteFile(filepath.Join(ws.Path, "partial.txt"), []byte("half done\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(ws.Path, ".waverunner"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"state.json", "ralph.lock"} {
		if err := os.WriteFile(filepath.Join(ws.Path, ".waverunner", name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	branch, err := m.PreserveFailure(ws, "exhausted 5 iterations")
	if err != nil {
		t.Fatalf("PreserveFailure() failed: %v", err)
	}
	if !strings.HasPrefix(branch, "failed/task-3-") {
		t.Errorf("Failure branch = %q", branch)
	}

	if err := m.RemoveKeepBranch(ws); err != nil {
		t.Fatalf("RemoveKeepBranch() failed: %v", err)
	}

	// The preserved branch still resolves and holds the partial file.
	cmd := exec.Command("git", "show", branch+":partial.txt")
	cmd.Dir = repo
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("Preserved branch unreadable: %v\n%s", err, out)
	}
	if string(out) != "half done\n" {
		t.Errorf("Preserved content = %q", out)
	}

	// Runtime state never rides along on the failure branch.
	for _, name := range []string{".waverunner/state.json", ".waverunner/ralph.lock"} {
		cmd = exec.Command("git", "show", branch+":"+name)
		cmd.Dir = repo
		if _, err := cmd.CombinedOutput(); err == nil {
			t.Errorf("Failure branch should not carry %s", name)
		}
	}
}

func TestPrune(t *testing.T) {
	repo := initRepo(t)
	m := newTestManager(t, repo)

	ws, err := m.Create(4, "stale")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	// Simulate a crashed run: the directory vanishes without git knowing.
	if err := os.RemoveAll(ws.Path); err != nil {
		t.Fatal(err)
	}

	if err := m.Prune(); err != nil {
		t.Fatalf("Prune() failed: %v", err)
	}
	listed, err := m.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("List() = %+v after prune, want empty", listed)
	}
}
