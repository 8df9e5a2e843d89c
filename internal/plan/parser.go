package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	headingRe = regexp.MustCompile(`^#{2,3}\s+Task\s+(\d+):\s+(.+?)\s*$`)
	fileRe    = regexp.MustCompile("^[-*]\\s*([A-Za-z]+):\\s*`([^`]+)`")
	depRefRe  = regexp.MustCompile(`Task\s+(\d+)`)
	rangeRe   = regexp.MustCompile(`:\d+(-\d+)?$`)
)

// Parse turns plan text into a list of tasks. A task block starts at a
// heading line "## Task <int>: <title>" (### also accepted) and runs until
// the next heading. Within a block, a "**Files:**" bullet list and a
// "**Dependencies:**" line are recognized; everything else is the opaque
// specification body.
func Parse(text string) ([]*Task, error) {
	lines := strings.Split(text, "\n")

	var tasks []*Task
	seen := make(map[int]bool)
	var cur *Task
	var body []string
	inFiles := false

	flush := func() {
		if cur == nil {
			return
		}
		cur.Body = strings.TrimSpace(strings.Join(body, "\n"))
		tasks = append(tasks, cur)
		cur = nil
		body = nil
	}

	for _, line := range lines {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			id, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("invalid task ID in heading %q: %w", line, err)
			}
			if seen[id] {
				return nil, fmt.Errorf("duplicate task ID %d", id)
			}
			seen[id] = true
			cur = &Task{ID: id, Title: m[2]}
			inFiles = false
			continue
		}
		if cur == nil {
			// Preamble before the first task heading is ignored.
			continue
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "**Files:**"):
			inFiles = true
			continue
		case strings.HasPrefix(trimmed, "**Dependencies:**"):
			inFiles = false
			cur.DependsOn = parseDependencies(strings.TrimPrefix(trimmed, "**Dependencies:**"))
			continue
		}

		if inFiles {
			if m := fileRe.FindStringSubmatch(trimmed); m != nil {
				cur.Files = append(cur.Files, stripRange(m[2]))
				continue
			}
			// First non-bullet line ends the files block.
			if trimmed != "" {
				inFiles = false
			}
		}
		if !inFiles {
			body = append(body, line)
		}
	}
	flush()

	if len(tasks) == 0 {
		return nil, fmt.Errorf("plan contains no tasks")
	}
	return tasks, nil
}

// parseDependencies extracts "Task <int>" references from a dependencies
// line. The literal word "none" (any case) yields an empty set.
func parseDependencies(s string) []int {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "none") || s == "" {
		return nil
	}

	var deps []int
	seen := make(map[int]bool)
	for _, m := range depRefRe.FindAllStringSubmatch(s, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}
	return deps
}

// stripRange removes a trailing ":<line>" or ":<start>-<end>" suffix from a
// scoped file path.
func stripRange(path string) string {
	return rangeRe.ReplaceAllString(path, "")
}
