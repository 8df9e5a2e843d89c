package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Task() int
}

// Topic constants.
const (
	TopicTask = "task"
	TopicRun  = "run"
)

// Event type constants.
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskIteration = "task.iteration"
	EventTypeTaskStuck     = "task.stuck"
	EventTypeTaskMerged    = "task.merged"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskSkipped   = "task.skipped"
	EventTypeWaveStarted   = "run.wave_started"
	EventTypeRunProgress   = "run.progress"
)

// TaskStartedEvent is published when a task is dispatched into a workspace.
type TaskStartedEvent struct {
	ID        int
	Title     string
	Wave      int
	Workspace string
	Attempt   int // 0 for the first run, >0 for conflict re-runs
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Task() int         { return e.ID }

// TaskIterationEvent is published after each retry-loop iteration evaluates
// its gates.
type TaskIterationEvent struct {
	ID        int
	Iteration int
	Gate      string // Failing gate name, empty when all gates passed
	Hash      string // Failure signature, empty when all gates passed
	Passed    bool
	Shifted   bool // The iteration's prompt carried the strategy-shift directive
	Stuck     int
	Timestamp time.Time
}

func (e TaskIterationEvent) EventType() string { return EventTypeTaskIteration }
func (e TaskIterationEvent) Task() int         { return e.ID }

// TaskStuckEvent is published when identical failure signatures trigger a
// strategy shift.
type TaskStuckEvent struct {
	ID        int
	Iteration int
	Shifts    int
	Timestamp time.Time
}

func (e TaskStuckEvent) EventType() string { return EventTypeTaskStuck }
func (e TaskStuckEvent) Task() int         { return e.ID }

// TaskMergedEvent is published after a squash-merge attempt.
type TaskMergedEvent struct {
	ID            int
	Outcome       string
	ConflictFiles []string
	Timestamp     time.Time
}

func (e TaskMergedEvent) EventType() string { return EventTypeTaskMerged }
func (e TaskMergedEvent) Task() int         { return e.ID }

// TaskCompletedEvent is published when a task completes and its merge
// resolved.
type TaskCompletedEvent struct {
	ID        int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Task() int         { return e.ID }

// TaskFailedEvent is published on terminal task failure.
type TaskFailedEvent struct {
	ID            int
	Gate          string // Last failing gate
	FailureBranch string // Preserved branch reference
	Err           error
	Timestamp     time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Task() int         { return e.ID }

// TaskSkippedEvent is published for each task skipped by cascade.
type TaskSkippedEvent struct {
	ID        int
	Cause     int // The failed ancestor task
	Timestamp time.Time
}

func (e TaskSkippedEvent) EventType() string { return EventTypeTaskSkipped }
func (e TaskSkippedEvent) Task() int         { return e.ID }

// WaveStartedEvent is published when a wave's ready set is dispatched.
type WaveStartedEvent struct {
	Wave      int
	Ready     []int
	Timestamp time.Time
}

func (e WaveStartedEvent) EventType() string { return EventTypeWaveStarted }
func (e WaveStartedEvent) Task() int         { return 0 }

// RunProgressEvent is published as task counts change.
type RunProgressEvent struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Skipped   int
	Pending   int
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) Task() int         { return 0 }
