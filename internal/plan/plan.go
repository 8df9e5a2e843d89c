// Package plan parses textual execution plans into task graphs and assigns
// wave numbers for dependency-ordered parallel execution.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
)

// Task is one unit of plannable work. Tasks are immutable after parsing,
// except for implicit dependencies added by DetectFileOverlaps.
type Task struct {
	ID        int      // Plan-assigned, unique, not necessarily contiguous
	Title     string   // Human-readable name
	Body      string   // Opaque specification text passed to the generation agent
	Files     []string // Scoped file paths, line-range suffixes stripped
	DependsOn []int    // Declared plus implicit dependency IDs
}

// Slug returns a branch-safe fragment derived from the task title.
func (t *Task) Slug() string {
	var b strings.Builder
	for _, r := range strings.ToLower(t.Title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '/':
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	return slug
}

// clone returns a deep copy so callers cannot mutate parsed state.
func (t *Task) clone() *Task {
	cp := *t
	if t.Files != nil {
		cp.Files = append([]string(nil), t.Files...)
	}
	if t.DependsOn != nil {
		cp.DependsOn = append([]int(nil), t.DependsOn...)
	}
	return &cp
}

// Fingerprint computes a stable hash over the task list. Wave assignments and
// persisted run state keyed by this fingerprint are invalidated when the plan
// text changes.
func Fingerprint(tasks []*Task) (uint64, error) {
	// Hash a sorted copy so declaration order changes that don't alter the
	// graph still count as a plan change (titles and bodies are included).
	sorted := make([]*Task, len(tasks))
	copy(sorted, tasks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h, err := hashstructure.Hash(sorted, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("hashing plan: %w", err)
	}
	return h, nil
}

// Serialize renders tasks back into plan text. Parsing the output yields an
// identical task list (ID, title, dependency set, file set).
func Serialize(tasks []*Task) string {
	var b strings.Builder
	for i, t := range tasks {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## Task %d: %s\n\n", t.ID, t.Title)
		if len(t.Files) > 0 {
			b.WriteString("**Files:**\n")
			for _, f := range t.Files {
				fmt.Fprintf(&b, "- Modify: `%s`\n", f)
			}
			b.WriteString("\n")
		}
		if len(t.DependsOn) == 0 {
			b.WriteString("**Dependencies:** None\n")
		} else {
			refs := make([]string, len(t.DependsOn))
			for j, d := range t.DependsOn {
				refs[j] = fmt.Sprintf("Task %d", d)
			}
			fmt.Fprintf(&b, "**Dependencies:** %s\n", strings.Join(refs, ", "))
		}
		body := strings.TrimSpace(t.Body)
		if body != "" {
			b.WriteString("\n")
			b.WriteString(body)
			b.WriteString("\n")
		}
	}
	return b.String()
}
