package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycle marks a dependency cycle. Wrapped errors name the cycle path.
var ErrCycle = errors.New("dependency cycle")

// Validate fails if any dependency references an unknown task ID or if the
// dependency graph contains a cycle. Both are fatal before any execution
// begins.
func Validate(tasks []*Task) error {
	byID := make(map[int]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %d depends on non-existent task %d", t.ID, dep)
			}
		}
	}

	// Depth-first traversal with an explicit path stack; onPath marks the
	// current descent so a back edge identifies the cycle.
	const (
		unvisited = 0
		onPath    = 1
		done      = 2
	)
	state := make(map[int]int, len(tasks))

	var visit func(id int, path []int) error
	visit = func(id int, path []int) error {
		switch state[id] {
		case done:
			return nil
		case onPath:
			return fmt.Errorf("%w: %s", ErrCycle, formatCycle(append(path, id)))
		}
		state[id] = onPath
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	// Visit in ID order so cycle reports are stable.
	ids := make([]int, 0, len(tasks))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

func formatCycle(path []int) string {
	// Trim the path to the cycle itself: everything from the first
	// occurrence of the repeated node.
	last := path[len(path)-1]
	start := 0
	for i, id := range path[:len(path)-1] {
		if id == last {
			start = i
			break
		}
	}
	parts := make([]string, 0, len(path)-start)
	for _, id := range path[start:] {
		parts = append(parts, fmt.Sprintf("Task %d", id))
	}
	return strings.Join(parts, " -> ")
}

// DetectFileOverlaps adds an implicit dependency between every pair of tasks
// that declare a common scoped file path: the later-declared task gains a
// dependency on the earlier one. This is an ordering safeguard that reduces
// accidental merge conflicts, and must run before ComputeWaves. The enriched
// graph is re-validated because implicit edges can complete a cycle with
// declared ones.
func DetectFileOverlaps(tasks []*Task) error {
	owners := make(map[string]int) // file path -> earliest declaring task ID

	for _, t := range tasks {
		hasDep := make(map[int]bool, len(t.DependsOn))
		for _, d := range t.DependsOn {
			hasDep[d] = true
		}
		for _, f := range t.Files {
			prev, claimed := owners[f]
			if !claimed {
				owners[f] = t.ID
				continue
			}
			if prev != t.ID && !hasDep[prev] {
				t.DependsOn = append(t.DependsOn, prev)
				hasDep[prev] = true
			}
		}
	}

	if err := Validate(tasks); err != nil {
		return fmt.Errorf("file-overlap enrichment: %w", err)
	}
	return nil
}
