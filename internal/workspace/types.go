package workspace

// Workspace is an isolated, branch-bound checkout in which exactly one task
// executes. It is owned by that task for its entire lifetime.
type Workspace struct {
	Path   string // Absolute path to the worktree directory
	Branch string // Branch name (task/<id>-<slug>)
	TaskID int
	Head   string // Commit hash the workspace was created from
}

// MergeOutcome classifies the result of a squash-merge attempt.
type MergeOutcome int

const (
	// MergeCommitted means the merge staged changes and a commit was made.
	MergeCommitted MergeOutcome = iota
	// MergeNoChanges means the task produced no diff against the shared
	// branch; treated as success, no commit made.
	MergeNoChanges
	// MergeConflict means the merge conflicted and was aborted; the shared
	// branch tip is unchanged.
	MergeConflict
)

// String returns the outcome name.
func (o MergeOutcome) String() string {
	switch o {
	case MergeCommitted:
		return "committed"
	case MergeNoChanges:
		return "no-changes"
	case MergeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// MergeResult reports what a squash-merge attempt did.
type MergeResult struct {
	Outcome       MergeOutcome
	ConflictFiles []string // Populated on MergeConflict when parseable
}

// Config configures the workspace manager.
type Config struct {
	RepoPath    string // Absolute path to the git repository
	BaseBranch  string // Shared feature branch tasks merge into
	WorktreeDir string // Directory under the repo for worktrees (default ".worktrees")
}
