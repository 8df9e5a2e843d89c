// Package scheduler tracks per-task status across waves and enforces the
// global concurrency cap. Failure of a task cascades a Skipped status to
// every transitive dependent before control returns to the caller.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/waverunner/internal/plan"
)

type entry struct {
	task   *plan.Task
	wave   int
	status Status
	handle any // Opaque handle attached by the runner (workspace info)
}

// Scheduler owns task status for one run. All methods are safe for
// concurrent use.
type Scheduler struct {
	mu            sync.RWMutex
	entries       map[int]*entry
	dependents    map[int][]int // taskID -> tasks that depend on it
	order         []int         // Global topological order; dispatch tie-break
	maxConcurrent int
	running       int
}

// New builds a scheduler from a validated task list and its wave assignment.
// maxConcurrent must be at least 1.
func New(tasks []*plan.Task, waves map[int]int, maxConcurrent int) (*Scheduler, error) {
	if maxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrency must be >= 1, got %d", maxConcurrent)
	}

	s := &Scheduler{
		entries:       make(map[int]*entry, len(tasks)),
		dependents:    make(map[int][]int),
		maxConcurrent: maxConcurrent,
	}

	for _, t := range tasks {
		if _, exists := s.entries[t.ID]; exists {
			return nil, fmt.Errorf("duplicate task ID %d", t.ID)
		}
		wave, ok := waves[t.ID]
		if !ok {
			return nil, fmt.Errorf("task %d has no wave assignment", t.ID)
		}
		s.entries[t.ID] = &entry{task: t, wave: wave, status: StatusPending}
		for _, dep := range t.DependsOn {
			s.dependents[dep] = append(s.dependents[dep], t.ID)
		}
	}

	order, err := sortTasks(tasks)
	if err != nil {
		return nil, err
	}
	s.order = order

	return s, nil
}

// sortTasks computes a deterministic topological order. Ties between
// independent tasks follow declaration order, which toposort preserves for
// edge insertion.
func sortTasks(tasks []*plan.Task) ([]int, error) {
	var edges []toposort.Edge
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains cycle: %w", err)
	}

	order := make([]int, 0, len(tasks))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(int))
		}
	}
	return order, nil
}

// ReadyTasks returns the IDs of tasks in the given wave that are Pending
// with every dependency Completed, in deterministic dispatch order.
func (s *Scheduler) ReadyTasks(wave int) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ready []int
	for _, id := range s.order {
		e := s.entries[id]
		if e.wave != wave || e.status != StatusPending {
			continue
		}
		if s.depsCompleted(e.task) {
			ready = append(ready, id)
		}
	}
	return ready
}

func (s *Scheduler) depsCompleted(t *plan.Task) bool {
	for _, dep := range t.DependsOn {
		de, ok := s.entries[dep]
		if !ok || de.status != StatusCompleted {
			return false
		}
	}
	return true
}

// CanLaunch reports whether another task may start under the concurrency cap.
func (s *Scheduler) CanLaunch() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running < s.maxConcurrent
}

// MarkRunning transitions a Pending task to Running and attaches an opaque
// handle for later retrieval.
func (s *Scheduler) MarkRunning(id int, handle any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("task %d not found", id)
	}
	if e.status != StatusPending {
		return fmt.Errorf("task %d is %s, cannot mark running", id, e.status)
	}
	e.status = StatusRunning
	e.handle = handle
	s.running++
	return nil
}

// MarkDone transitions a Running task to its final status. final must be
// Completed or Failed. Marking a task Failed cascades Skipped to every
// Pending task that transitively depends on it before returning.
func (s *Scheduler) MarkDone(id int, final Status) error {
	if final != StatusCompleted && final != StatusFailed {
		return fmt.Errorf("final status must be completed or failed, got %s", final)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("task %d not found", id)
	}
	if e.status != StatusRunning {
		return fmt.Errorf("task %d is %s, cannot mark done", id, e.status)
	}
	e.status = final
	e.handle = nil
	s.running--

	if final == StatusFailed {
		s.cascadeSkip(id)
	}
	return nil
}

// cascadeSkip propagates Skipped to all transitive dependents of the given
// task. Worklist traversal rather than recursion; never revisits a task
// already Skipped, so the pass is idempotent. Caller holds the write lock.
func (s *Scheduler) cascadeSkip(failed int) {
	queue := append([]int(nil), s.dependents[failed]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		e, ok := s.entries[id]
		if !ok || e.status != StatusPending {
			continue
		}
		e.status = StatusSkipped
		queue = append(queue, s.dependents[id]...)
	}
}

// WaveComplete reports whether no task in the wave remains Pending or
// Running.
func (s *Scheduler) WaveComplete(wave int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.wave != wave {
			continue
		}
		if e.status == StatusPending || e.status == StatusRunning {
			return false
		}
	}
	return true
}

// Status returns the current status of a task.
func (s *Scheduler) Status(id int) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return 0, false
	}
	return e.status, true
}

// Handle returns the opaque handle attached by MarkRunning, or nil once the
// task has left Running.
func (s *Scheduler) Handle(id int) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[id]; ok {
		return e.handle
	}
	return nil
}

// Task returns the task record for an ID.
func (s *Scheduler) Task(id int) (*plan.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.task, true
}

// Counts returns how many tasks are in each status.
func (s *Scheduler) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range s.entries {
		counts[e.status]++
	}
	return counts
}

// Order returns the global deterministic dispatch order.
func (s *Scheduler) Order() []int {
	return append([]int(nil), s.order...)
}
