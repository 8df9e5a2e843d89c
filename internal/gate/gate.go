// Package gate runs verification gates against a task workspace: an
// auto-detected test gate and an optional agent-backed spec-compliance gate.
package gate

import (
	"context"
	"strings"
	"time"
)

// Result is the outcome of one gate execution.
type Result struct {
	Gate    string // Gate name, recorded in retry state on failure
	Passed  bool
	Output  string // Captured output, untruncated
	Warning string // Set on soft passes (e.g. no test runner detected)
}

// Gate is the verification capability consumed by the retry loop.
type Gate interface {
	Name() string

	// Run executes the gate against the workspace. Exceeding the timeout is
	// a failed result, not an error; errors are reserved for the gate being
	// unable to run at all.
	Run(ctx context.Context, dir string, timeout time.Duration) Result
}

// Truncate bounds output to its first maxLines lines so feedback re-injected
// into the generation prompt stays small regardless of how verbose a gate is.
func Truncate(output string, maxLines int) string {
	if maxLines <= 0 {
		return ""
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	return strings.Join(lines[:maxLines], "\n") + "\n[... truncated]"
}
