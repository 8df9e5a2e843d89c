package plan

// ComputeWaves assigns every task a wave number: 0 for tasks with no
// dependencies, otherwise one greater than the maximum wave among its
// dependencies. Callers must Validate first; ComputeWaves assumes a DAG
// with resolvable references.
func ComputeWaves(tasks []*Task) map[int]int {
	byID := make(map[int]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	waves := make(map[int]int, len(tasks))
	var depth func(id int) int
	depth = func(id int) int {
		if w, ok := waves[id]; ok {
			return w
		}
		w := 0
		for _, dep := range byID[id].DependsOn {
			if d := depth(dep) + 1; d > w {
				w = d
			}
		}
		waves[id] = w
		return w
	}

	for _, t := range tasks {
		depth(t.ID)
	}
	return waves
}

// MaxWave returns the highest wave number in the assignment, or -1 for an
// empty assignment.
func MaxWave(waves map[int]int) int {
	max := -1
	for _, w := range waves {
		if w > max {
			max = w
		}
	}
	return max
}
