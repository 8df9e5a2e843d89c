// Package runner drives wave-by-wave parallel execution: workspace per
// dispatched task, retry loop inside it, serialized merge-back, bounded
// conflict re-runs and cascading skips.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/waverunner/internal/agent"
	"github.com/aristath/waverunner/internal/events"
	"github.com/aristath/waverunner/internal/gate"
	"github.com/aristath/waverunner/internal/persistence"
	"github.com/aristath/waverunner/internal/plan"
	"github.com/aristath/waverunner/internal/ralph"
	"github.com/aristath/waverunner/internal/scheduler"
	"github.com/aristath/waverunner/internal/workspace"
)

// AgentFactory creates agent instances per task attempt. Overridable for
// testing.
type AgentFactory func(cfg agent.Config) (agent.Agent, error)

// Config configures the runner.
type Config struct {
	MaxConcurrent   int
	MergeRetries    int // Conflict re-runs per task (default 2)
	SpecGateEnabled bool

	Agent agent.Config // Base agent config; WorkDir/SessionID set per attempt
	Ralph ralph.LoopConfig

	Workspaces     *workspace.Manager
	Store          persistence.Store     // Optional run journal
	Bus            *events.Bus           // Optional event publication
	ProcessManager *agent.ProcessManager // Tracks agent subprocesses for shutdown
	AgentFactory   AgentFactory          // Optional; overrides Agent-based construction
	RunID          string
	Log            *slog.Logger
}

// TaskResult is the runner's record of one task's fate.
type TaskResult struct {
	TaskID          int
	Status          scheduler.Status
	LastGate        string
	FailureBranch   string
	MergeOutcome    string
	ConflictRetries int
	Duration        time.Duration
	Err             error
}

// Runner executes a validated plan.
type Runner struct {
	cfg      Config
	sched    *scheduler.Scheduler
	tasks    map[int]*plan.Task
	waves    map[int]int
	breakers *agent.BreakerRegistry
	mergeQ   *MergeQueue

	mu      sync.Mutex
	active  map[int]*workspace.Workspace
	results map[int]*TaskResult
	skipped map[int]bool // Skip events already published
}

// New creates a runner over a scheduler built from the same task list and
// wave assignment.
func New(cfg Config, tasks []*plan.Task, waves map[int]int, sched *scheduler.Scheduler) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MergeRetries < 0 {
		cfg.MergeRetries = 2
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	byID := make(map[int]*plan.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	return &Runner{
		cfg:      cfg,
		sched:    sched,
		tasks:    byID,
		waves:    waves,
		breakers: agent.NewBreakerRegistry(cfg.Log),
		mergeQ:   NewMergeQueue(cfg.Workspaces, 2*cfg.MaxConcurrent),
		active:   make(map[int]*workspace.Workspace),
		results:  make(map[int]*TaskResult),
		skipped:  make(map[int]bool),
	}
}

// Run executes every wave in order. Workspace cleanup runs on every exit
// path, including cancellation.
func (r *Runner) Run(ctx context.Context) (map[int]*TaskResult, error) {
	if err := r.cfg.Workspaces.Prune(); err != nil {
		r.cfg.Log.Warn("pruning stale worktrees", "error", err)
	}

	// The merge goroutine lives exactly as long as this run.
	mergeCtx, stopMerges := context.WithCancel(ctx)
	defer stopMerges()
	r.mergeQ.Start(mergeCtx)

	defer r.cleanupAllWorkspaces()

	r.journalInitialTasks(ctx)

	maxWave := plan.MaxWave(r.waves)
	for wave := 0; wave <= maxWave; wave++ {
		if err := ctx.Err(); err != nil {
			return r.snapshotResults(), err
		}

		ready := r.sched.ReadyTasks(wave)
		r.publish(events.TopicRun, events.WaveStartedEvent{
			Wave: wave, Ready: ready, Timestamp: time.Now(),
		})
		if len(ready) == 0 {
			continue // Entire wave skipped by cascade
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.MaxConcurrent)
		for _, id := range ready {
			id := id
			g.Go(func() error {
				r.executeTask(gctx, id)
				return nil // Task outcomes live in the scheduler, not errgroup
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return r.snapshotResults(), err
		}
		if !r.sched.WaveComplete(wave) {
			// Should be impossible: every dispatched task reaches a terminal
			// status before its goroutine returns.
			return r.snapshotResults(), fmt.Errorf("wave %d did not fully resolve", wave)
		}
		r.publishProgress()
	}

	return r.snapshotResults(), nil
}

// executeTask runs one task to a terminal status, including conflict
// re-runs in fresh workspaces.
func (r *Runner) executeTask(ctx context.Context, id int) {
	task, ok := r.sched.Task(id)
	if !ok {
		return
	}
	start := time.Now()

	for attempt := 0; ; attempt++ {
		ws, err := r.cfg.Workspaces.Create(task.ID, task.Slug())
		if err != nil {
			r.finishTask(ctx, task, &TaskResult{
				TaskID: id, Status: scheduler.StatusFailed,
				Duration: time.Since(start),
				Err:      fmt.Errorf("creating workspace: %w", err),
			}, attempt == 0)
			return
		}

		if attempt == 0 {
			if err := r.sched.MarkRunning(id, ws); err != nil {
				r.cfg.Log.Error("marking task running", "task", id, "error", err)
				_ = r.cfg.Workspaces.Remove(ws)
				return
			}
		}
		r.trackWorkspace(id, ws)

		r.publish(events.TopicTask, events.TaskStartedEvent{
			ID: id, Title: task.Title, Wave: r.waves[id],
			Workspace: ws.Path, Attempt: attempt, Timestamp: time.Now(),
		})

		loopRes, err := r.runLoop(ctx, task, ws)
		if err != nil {
			r.untrackWorkspace(id)
			_ = r.cfg.Workspaces.Remove(ws)
			if ctx.Err() != nil {
				// Run-level cancellation, not a task failure. The task stays
				// Running; Run aborts before checking wave completion.
				return
			}
			// Lock conflict or state corruption: terminal.
			r.finishTask(ctx, task, &TaskResult{
				TaskID: id, Status: scheduler.StatusFailed,
				ConflictRetries: attempt, Duration: time.Since(start), Err: err,
			}, false)
			return
		}

		if !loopRes.Success {
			// Budget exhausted; workspace contents already preserved.
			r.untrackWorkspace(id)
			if err := r.cfg.Workspaces.RemoveKeepBranch(ws); err != nil {
				r.cfg.Log.Warn("removing failed workspace", "task", id, "error", err)
			}
			r.finishTask(ctx, task, &TaskResult{
				TaskID: id, Status: scheduler.StatusFailed,
				LastGate: loopRes.LastGate, FailureBranch: loopRes.FailureBranch,
				ConflictRetries: attempt, Duration: time.Since(start),
				Err: fmt.Errorf("retry budget exhausted at gate %q", loopRes.LastGate),
			}, false)
			return
		}

		// Commit whatever the loop left in the workspace onto the task branch
		// so the squash merge sees it.
		if _, err := r.cfg.Workspaces.CommitAll(ws, fmt.Sprintf("Task %d: %s", task.ID, task.Title)); err != nil {
			r.untrackWorkspace(id)
			_ = r.cfg.Workspaces.Remove(ws)
			r.finishTask(ctx, task, &TaskResult{
				TaskID: id, Status: scheduler.StatusFailed,
				ConflictRetries: attempt, Duration: time.Since(start),
				Err: fmt.Errorf("committing workspace: %w", err),
			}, false)
			return
		}

		mergeRes, err := r.mergeQ.Merge(ctx, ws, task.Title)
		if err != nil {
			r.untrackWorkspace(id)
			_ = r.cfg.Workspaces.Remove(ws)
			r.finishTask(ctx, task, &TaskResult{
				TaskID: id, Status: scheduler.StatusFailed,
				ConflictRetries: attempt, Duration: time.Since(start),
				Err: fmt.Errorf("merge operation: %w", err),
			}, false)
			return
		}

		r.publish(events.TopicTask, events.TaskMergedEvent{
			ID: id, Outcome: mergeRes.Outcome.String(),
			ConflictFiles: mergeRes.ConflictFiles, Timestamp: time.Now(),
		})

		if mergeRes.Outcome != workspace.MergeConflict {
			r.untrackWorkspace(id)
			if err := r.cfg.Workspaces.Remove(ws); err != nil {
				r.cfg.Log.Warn("removing merged workspace", "task", id, "error", err)
			}
			r.finishTask(ctx, task, &TaskResult{
				TaskID: id, Status: scheduler.StatusCompleted,
				MergeOutcome: mergeRes.Outcome.String(),
				ConflictRetries: attempt, Duration: time.Since(start),
			}, false)
			return
		}

		// Merge conflict. The shared branch tip is unchanged; re-run the
		// whole loop in a fresh workspace cut from the current tip, which
		// may have advanced under sibling merges.
		r.cfg.Log.Warn("merge conflict", "task", id, "attempt", attempt,
			"conflict_files", mergeRes.ConflictFiles)

		if attempt >= r.cfg.MergeRetries {
			branch, perr := r.cfg.Workspaces.PreserveFailure(ws,
				fmt.Sprintf("merge conflict after %d attempts", attempt+1))
			if perr != nil {
				r.cfg.Log.Error("preserving conflicted workspace", "task", id, "error", perr)
			}
			r.untrackWorkspace(id)
			if err := r.cfg.Workspaces.RemoveKeepBranch(ws); err != nil {
				r.cfg.Log.Warn("removing conflicted workspace", "task", id, "error", err)
			}
			r.finishTask(ctx, task, &TaskResult{
				TaskID: id, Status: scheduler.StatusFailed,
				FailureBranch: branch, MergeOutcome: mergeRes.Outcome.String(),
				ConflictRetries: attempt, Duration: time.Since(start),
				Err: fmt.Errorf("unresolvable merge conflict"),
			}, false)
			return
		}

		r.untrackWorkspace(id)
		if err := r.cfg.Workspaces.Remove(ws); err != nil {
			r.cfg.Log.Warn("removing conflicted workspace", "task", id, "error", err)
		}
	}
}

// runLoop builds the per-attempt agent and gates and runs the retry loop.
func (r *Runner) runLoop(ctx context.Context, task *plan.Task, ws *workspace.Workspace) (*ralph.Result, error) {
	agentCfg := r.cfg.Agent
	agentCfg.WorkDir = ws.Path
	agentCfg.SessionID = "" // Fresh session per attempt

	var a agent.Agent
	var err error
	if r.cfg.AgentFactory != nil {
		a, err = r.cfg.AgentFactory(agentCfg)
	} else {
		a, err = agent.New(agentCfg, r.cfg.ProcessManager)
	}
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	defer a.Close()

	gates := []gate.Gate{gate.NewTestGate()}
	if r.cfg.SpecGateEnabled {
		gates = append(gates, gate.NewSpecGate(a, task.Body))
	}

	loop := ralph.NewLoop(r.cfg.Ralph, a, gates, r.breakers.Get(agentCfg.Type), r.cfg.Bus,
		r.cfg.Log.With("task", task.ID))

	preserve := func(summary string) (string, error) {
		return r.cfg.Workspaces.PreserveFailure(ws, summary)
	}
	return loop.Run(ctx, task, ws.Path, preserve)
}

// finishTask records a terminal status in the scheduler, the result map, the
// journal and the event bus. markRunningFirst covers the workspace-creation
// failure path where the task never entered Running.
func (r *Runner) finishTask(ctx context.Context, task *plan.Task, result *TaskResult, markRunningFirst bool) {
	if markRunningFirst {
		if err := r.sched.MarkRunning(task.ID, nil); err != nil {
			r.cfg.Log.Error("marking task running", "task", task.ID, "error", err)
		}
	}
	if err := r.sched.MarkDone(task.ID, result.Status); err != nil {
		r.cfg.Log.Error("marking task done", "task", task.ID, "error", err)
	}

	r.mu.Lock()
	r.results[task.ID] = result
	r.mu.Unlock()

	r.journalTask(ctx, task, result)

	switch result.Status {
	case scheduler.StatusCompleted:
		r.publish(events.TopicTask, events.TaskCompletedEvent{
			ID: task.ID, Duration: result.Duration, Timestamp: time.Now(),
		})
	case scheduler.StatusFailed:
		r.publish(events.TopicTask, events.TaskFailedEvent{
			ID: task.ID, Gate: result.LastGate, FailureBranch: result.FailureBranch,
			Err: result.Err, Timestamp: time.Now(),
		})
		r.publishSkips(task.ID)
	}
	r.publishProgress()
}

// publishSkips emits one event per task newly skipped by the cascade from
// the given failed task and journals its status.
func (r *Runner) publishSkips(cause int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.tasks {
		if r.skipped[id] {
			continue
		}
		if st, ok := r.sched.Status(id); ok && st == scheduler.StatusSkipped {
			r.skipped[id] = true
			r.publish(events.TopicTask, events.TaskSkippedEvent{ID: id, Cause: cause, Timestamp: time.Now()})
			if r.cfg.Store != nil {
				if err := r.cfg.Store.UpdateTaskStatus(context.Background(), r.cfg.RunID, id,
					scheduler.StatusSkipped.String(), "", "", ""); err != nil {
					r.cfg.Log.Warn("journaling skipped task", "task", id, "error", err)
				}
			}
		}
	}
}

func (r *Runner) publishProgress() {
	counts := r.sched.Counts()
	r.publish(events.TopicRun, events.RunProgressEvent{
		Total:     len(r.tasks),
		Completed: counts[scheduler.StatusCompleted],
		Running:   counts[scheduler.StatusRunning],
		Failed:    counts[scheduler.StatusFailed],
		Skipped:   counts[scheduler.StatusSkipped],
		Pending:   counts[scheduler.StatusPending],
		Timestamp: time.Now(),
	})
}

func (r *Runner) publish(topic string, e events.Event) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(topic, e)
	}
}

func (r *Runner) journalInitialTasks(ctx context.Context) {
	if r.cfg.Store == nil {
		return
	}
	for _, id := range r.sched.Order() {
		t := r.tasks[id]
		rec := persistence.TaskRecord{
			TaskID: t.ID, Title: t.Title, Wave: r.waves[t.ID],
			Status: scheduler.StatusPending.String(),
		}
		if err := r.cfg.Store.SaveTask(ctx, r.cfg.RunID, rec); err != nil {
			r.cfg.Log.Warn("journaling task", "task", t.ID, "error", err)
		}
	}
}

func (r *Runner) journalTask(ctx context.Context, task *plan.Task, result *TaskResult) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.UpdateTaskStatus(ctx, r.cfg.RunID, task.ID,
		result.Status.String(), result.LastGate, result.FailureBranch, result.MergeOutcome); err != nil {
		r.cfg.Log.Warn("journaling task status", "task", task.ID, "error", err)
	}
}

func (r *Runner) trackWorkspace(id int, ws *workspace.Workspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[id] = ws
}

func (r *Runner) untrackWorkspace(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// cleanupAllWorkspaces force-removes any workspace still live. Catches
// cancellation and panic paths; normal paths have already untracked theirs.
func (r *Runner) cleanupAllWorkspaces() {
	r.mu.Lock()
	workspaces := make([]*workspace.Workspace, 0, len(r.active))
	for _, ws := range r.active {
		workspaces = append(workspaces, ws)
	}
	r.active = make(map[int]*workspace.Workspace)
	r.mu.Unlock()

	for _, ws := range workspaces {
		if err := r.cfg.Workspaces.Remove(ws); err != nil {
			r.cfg.Log.Error("cleaning up workspace", "task", ws.TaskID, "error", err)
		}
	}
}

func (r *Runner) snapshotResults() map[int]*TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[int]*TaskResult, len(r.results))
	for id, res := range r.results {
		cp := *res
		out[id] = &cp
	}
	return out
}
