// Package workspace manages git worktrees for parallel task execution and
// folds completed work back into the shared branch via squash merges.
package workspace

import (
	"bufio"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Manager creates, merges and removes task workspaces. Merge operations
// against the shared branch are serialized internally; workspace creation
// and removal for different tasks may run concurrently.
type Manager struct {
	config  Config
	mergeMu sync.Mutex // Serializes mutation of the shared branch
}

// NewManager creates a workspace manager.
func NewManager(cfg Config) *Manager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	return &Manager{config: cfg}
}

// git runs a git command in the given directory and returns combined output.
func (m *Manager) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Create adds a worktree bound to a fresh branch task/<id>-<slug>, created
// from the current tip of the shared branch.
func (m *Manager) Create(taskID int, slug string) (*Workspace, error) {
	branch := branchName(taskID, slug)
	path := filepath.Join(m.config.RepoPath, m.config.WorktreeDir, fmt.Sprintf("task-%d", taskID))

	out, err := m.git(m.config.RepoPath, "worktree", "add", "-b", branch, path, m.config.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("creating worktree for task %d: %w (output: %s)", taskID, err, out)
	}

	head, err := m.git(path, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD for task %d: %w (output: %s)", taskID, err, head)
	}

	return &Workspace{
		Path:   path,
		Branch: branch,
		TaskID: taskID,
		Head:   strings.TrimSpace(head),
	}, nil
}

func branchName(taskID int, slug string) string {
	if slug == "" {
		return fmt.Sprintf("task/%d", taskID)
	}
	return fmt.Sprintf("task/%d-%s", taskID, slug)
}

// stagePathspec stages everything except the .waverunner directory, which
// holds retry-loop state and lock files rather than task work.
var stagePathspec = []string{"--", ".", ":(exclude).waverunner"}

// CommitAll stages and commits everything in the workspace onto its task
// branch. Returns false when the workspace holds nothing to commit.
func (m *Manager) CommitAll(ws *Workspace, message string) (bool, error) {
	if out, err := m.git(ws.Path, append([]string{"add", "-A"}, stagePathspec...)...); err != nil {
		return false, fmt.Errorf("staging work for task %d: %w (output: %s)", ws.TaskID, err, out)
	}
	if _, err := m.git(ws.Path, "diff", "--cached", "--quiet"); err == nil {
		return false, nil
	}
	if out, err := m.git(ws.Path, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("committing work for task %d: %w (output: %s)", ws.TaskID, err, out)
	}
	return true, nil
}

// SquashMerge folds the workspace branch into the shared branch as a single
// commit. On conflict the in-progress merge is aborted immediately so the
// shared branch tip is exactly what it was before the attempt.
func (m *Manager) SquashMerge(ws *Workspace, title string) (*MergeResult, error) {
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	// Merge into the shared branch regardless of what was checked out last.
	if out, err := m.git(m.config.RepoPath, "checkout", m.config.BaseBranch); err != nil {
		return nil, fmt.Errorf("checking out %s: %w (output: %s)", m.config.BaseBranch, err, out)
	}

	out, err := m.git(m.config.RepoPath, "merge", "--squash", ws.Branch)
	if err != nil || strings.Contains(out, "CONFLICT") {
		result := &MergeResult{
			Outcome:       MergeConflict,
			ConflictFiles: parseConflictFiles(out),
		}
		if abortErr := m.abortMerge(); abortErr != nil {
			return result, fmt.Errorf("aborting conflicted merge for task %d: %w", ws.TaskID, abortErr)
		}
		return result, nil
	}

	// Exit 0 from diff --cached --quiet means nothing staged: the task
	// produced no diff against the shared branch.
	if _, err := m.git(m.config.RepoPath, "diff", "--cached", "--quiet"); err == nil {
		return &MergeResult{Outcome: MergeNoChanges}, nil
	}

	msg := fmt.Sprintf("Task %d: %s", ws.TaskID, title)
	if out, err := m.git(m.config.RepoPath, "commit", "-m", msg); err != nil {
		return nil, fmt.Errorf("committing squash merge for task %d: %w (output: %s)", ws.TaskID, err, out)
	}

	return &MergeResult{Outcome: MergeCommitted}, nil
}

// abortMerge restores the shared branch to its pre-merge state. A squash
// conflict leaves no MERGE_HEAD, so merge --abort can refuse; reset --merge
// covers that case.
func (m *Manager) abortMerge() error {
	if _, err := m.git(m.config.RepoPath, "merge", "--abort"); err == nil {
		return nil
	}
	if out, err := m.git(m.config.RepoPath, "reset", "--merge"); err != nil {
		return fmt.Errorf("reset --merge failed: %w (output: %s)", err, out)
	}
	return nil
}

// PreserveFailure commits the workspace's current contents (empty commit
// allowed, carrying the failure summary) and records them under a
// timestamped failure branch. The workspace branch was itself created off
// the shared branch, so the default branch is never committed to directly.
// Returns the failure branch name.
func (m *Manager) PreserveFailure(ws *Workspace, summary string) (string, error) {
	if out, err := m.git(ws.Path, append([]string{"add", "-A"}, stagePathspec...)...); err != nil {
		return "", fmt.Errorf("staging failed work for task %d: %w (output: %s)", ws.TaskID, err, out)
	}

	msg := fmt.Sprintf("Task %d failed: %s", ws.TaskID, summary)
	if out, err := m.git(ws.Path, "commit", "--allow-empty", "-m", msg); err != nil {
		return "", fmt.Errorf("committing failed work for task %d: %w (output: %s)", ws.TaskID, err, out)
	}

	branch := fmt.Sprintf("failed/task-%d-%d", ws.TaskID, time.Now().Unix())
	if out, err := m.git(ws.Path, "branch", branch); err != nil {
		return "", fmt.Errorf("creating failure branch for task %d: %w (output: %s)", ws.TaskID, err, out)
	}

	return branch, nil
}

// Remove removes the worktree and deletes its branch, retrying with force.
// Must be called for every workspace created, on every exit path.
func (m *Manager) Remove(ws *Workspace) error {
	var errs []string

	if out, err := m.git(m.config.RepoPath, "worktree", "remove", ws.Path); err != nil {
		if fout, ferr := m.git(m.config.RepoPath, "worktree", "remove", "--force", ws.Path); ferr != nil {
			errs = append(errs, fmt.Sprintf("worktree remove: %v (output: %s, force output: %s)", err, out, fout))
		}
	}

	if out, err := m.git(m.config.RepoPath, "branch", "-d", ws.Branch); err != nil {
		if fout, ferr := m.git(m.config.RepoPath, "branch", "-D", ws.Branch); ferr != nil {
			errs = append(errs, fmt.Sprintf("branch delete: %v (output: %s, force output: %s)", err, out, fout))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("removing workspace for task %d: %s", ws.TaskID, strings.Join(errs, "; "))
	}
	return nil
}

// RemoveKeepBranch removes the worktree but leaves the branch in place, used
// after failure preservation so the failure branch's base stays reachable.
func (m *Manager) RemoveKeepBranch(ws *Workspace) error {
	if out, err := m.git(m.config.RepoPath, "worktree", "remove", "--force", ws.Path); err != nil {
		return fmt.Errorf("removing workspace for task %d: %w (output: %s)", ws.TaskID, err, out)
	}
	return nil
}

// Prune cleans up stale worktree metadata left by crashed runs.
func (m *Manager) Prune() error {
	if out, err := m.git(m.config.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("pruning worktrees: %w (output: %s)", err, out)
	}
	return nil
}

// List returns the task workspaces currently registered with git.
func (m *Manager) List() ([]Workspace, error) {
	out, err := m.git(m.config.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w (output: %s)", err, out)
	}

	var workspaces []Workspace
	var cur Workspace

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if cur.Path != "" && strings.HasPrefix(cur.Branch, "task/") {
				workspaces = append(workspaces, cur)
			}
			cur = Workspace{}
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			fmt.Sscanf(cur.Branch, "task/%d", &cur.TaskID)
		}
	}
	if cur.Path != "" && strings.HasPrefix(cur.Branch, "task/") {
		workspaces = append(workspaces, cur)
	}

	return workspaces, nil
}

// Tip returns the current commit hash of the shared branch.
func (m *Manager) Tip() (string, error) {
	out, err := m.git(m.config.RepoPath, "rev-parse", m.config.BaseBranch)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w (output: %s)", m.config.BaseBranch, err, out)
	}
	return strings.TrimSpace(out), nil
}

// parseConflictFiles extracts conflicting paths from merge output lines like
// "CONFLICT (content): Merge conflict in <file>".
func parseConflictFiles(output string) []string {
	var conflicts []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "CONFLICT") && strings.Contains(line, "in ") {
			parts := strings.Split(line, "in ")
			conflicts = append(conflicts, strings.TrimSpace(parts[len(parts)-1]))
		}
	}
	return conflicts
}
