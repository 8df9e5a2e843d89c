package ralph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/waverunner/internal/agent"
	"github.com/aristath/waverunner/internal/events"
	"github.com/aristath/waverunner/internal/gate"
	"github.com/aristath/waverunner/internal/plan"
)

// generationGate is the pseudo-gate name recorded when the generation call
// itself fails or times out; the iteration proceeds like any gate failure.
const generationGate = "generation"

// strategyShiftDirective is injected into the prompt when consecutive
// iterations produce identical failure signatures.
const strategyShiftDirective = `IMPORTANT: Your previous attempts produced the exact same failure repeatedly. The current approach is not converging. Take a fundamentally different approach: re-read the failing output, question your assumptions about the cause, and try a different implementation strategy.`

// LoopConfig configures one retry loop.
type LoopConfig struct {
	MaxIterations  int           // Iteration budget (default 5)
	StuckThreshold int           // Consecutive identical failures that trigger a strategy shift (default 3)
	TruncateLines  int           // Failure-context line bound (default 20)
	AttemptTimeout time.Duration // Per-attempt bound on generation and each gate (default 10m)
	Retry          agent.RetryConfig
}

func (c *LoopConfig) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 3
	}
	if c.TruncateLines <= 0 {
		c.TruncateLines = 20
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Minute
	}
	if c.Retry.MaxElapsedTime == 0 {
		c.Retry = agent.DefaultRetryConfig()
	}
}

// PreserveFunc captures the workspace contents on terminal failure, before
// state is cleared, returning the preserved branch reference.
type PreserveFunc func(summary string) (string, error)

// Result is the retry loop's outcome.
type Result struct {
	Success       bool
	Iterations    int    // Iterations actually spent
	LastGate      string // Failing gate on the final iteration, empty on success
	FailureBranch string // Preserved branch reference on terminal failure
	Summary       string // Short human-readable failure summary
}

// Loop runs one task's generate-verify-retry loop inside its workspace.
type Loop struct {
	cfg     LoopConfig
	agent   agent.Agent
	gates   []gate.Gate
	breaker *gobreaker.CircuitBreaker
	bus     *events.Bus
	log     *slog.Logger
}

// NewLoop creates a retry loop. gates run in order each iteration; bus may
// be nil to disable event publication.
func NewLoop(cfg LoopConfig, a agent.Agent, gates []gate.Gate, cb *gobreaker.CircuitBreaker, bus *events.Bus, log *slog.Logger) *Loop {
	cfg.applyDefaults()
	return &Loop{cfg: cfg, agent: a, gates: gates, breaker: cb, bus: bus, log: log}
}

// Run drives the task to success or terminal failure. The advisory lock is
// held for the duration and released on every exit path. On terminal failure
// preserve is called before state is cleared, so failed attempts stay
// inspectable.
func (l *Loop) Run(ctx context.Context, task *plan.Task, dir string, preserve PreserveFunc) (*Result, error) {
	lock := NewLock(dir, nil, l.log)
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	defer lock.Release()

	state, err := LoadState(dir)
	if err != nil {
		return nil, err
	}
	if state == nil || state.TaskID != task.ID {
		state = NewState(task.ID, l.cfg.MaxIterations)
	} else {
		// Resume after a restart: the persisted record matches the last
		// completed iteration, so pick up at the next one.
		state.Iteration++
		state.MaxIterations = l.cfg.MaxIterations
		l.log.Info("resuming retry loop", "task", task.ID, "iteration", state.Iteration)
	}

	// The persisted failure text keeps a resumed prompt's context intact
	// across restarts; for a fresh state it is empty.
	lastFailure := state.LastFailure
	shiftNext := false

	for ; state.Iteration <= state.MaxIterations; state.Iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prompt := l.buildPrompt(task, state, lastFailure, shiftNext)
		shifted := shiftNext
		shiftNext = false

		failGate, output := l.iterate(ctx, dir, prompt)
		if failGate == "" {
			// All gates passed.
			if err := ClearState(dir); err != nil {
				l.log.Warn("clearing retry state", "task", task.ID, "error", err)
			}
			l.publishIteration(task.ID, state.Iteration, "", "", true, shifted, 0)
			return &Result{Success: true, Iterations: state.Iteration}, nil
		}

		lastFailure = gate.Truncate(output, l.cfg.TruncateLines)
		hash := FailureHash(output, l.cfg.TruncateLines)
		state.ObserveFailure(failGate, hash, shifted)
		state.LastFailure = lastFailure

		// StuckCount counts repeats, so a run of N identical signatures has
		// StuckCount N-1; shift once the run length reaches the threshold.
		if state.StuckCount >= l.cfg.StuckThreshold-1 && state.StuckCount > 0 {
			shiftNext = true
			state.StrategyShifts++
			if l.bus != nil {
				l.bus.Publish(events.TopicTask, events.TaskStuckEvent{
					ID:        task.ID,
					Iteration: state.Iteration,
					Shifts:    state.StrategyShifts,
					Timestamp: time.Now(),
				})
			}
			l.log.Info("stuck loop detected, shifting strategy",
				"task", task.ID, "iteration", state.Iteration, "stuck", state.StuckCount)
		}

		if err := state.Save(dir); err != nil {
			return nil, fmt.Errorf("persisting retry state for task %d: %w", task.ID, err)
		}
		l.publishIteration(task.ID, state.Iteration, failGate, hash, false, shifted, state.StuckCount)
	}

	// Budget exhausted: preserve, then clear.
	summary := fmt.Sprintf("exhausted %d iterations, last failing gate %q", state.MaxIterations, state.LastGate)
	result := &Result{
		Success:    false,
		Iterations: state.MaxIterations,
		LastGate:   state.LastGate,
		Summary:    summary,
	}

	if preserve != nil {
		branch, err := preserve(summary)
		if err != nil {
			l.log.Error("preserving failed workspace", "task", task.ID, "error", err)
		} else {
			result.FailureBranch = branch
		}
	}
	if err := ClearState(dir); err != nil {
		l.log.Warn("clearing retry state", "task", task.ID, "error", err)
	}
	return result, nil
}

// iterate performs one generate-then-verify pass. Returns the name of the
// first failing gate and its output, or ("", "") if everything passed.
func (l *Loop) iterate(ctx context.Context, dir, prompt string) (failGate, output string) {
	genCtx, cancel := context.WithTimeout(ctx, l.cfg.AttemptTimeout)
	resp, err := agent.SendWithRetry(genCtx, l.agent, agent.Message{Content: prompt, Role: "user"}, l.breaker, l.cfg.Retry)
	cancel()
	if err != nil {
		// A timed-out or failed generation is a failed iteration, not a
		// task-level failure.
		out := err.Error()
		if resp.Error != "" {
			out = resp.Error
		}
		return generationGate, out
	}

	for _, g := range l.gates {
		result := g.Run(ctx, dir, l.cfg.AttemptTimeout)
		if result.Warning != "" {
			l.log.Warn("gate warning", "gate", g.Name(), "warning", result.Warning)
		}
		if !result.Passed {
			return result.Gate, result.Output
		}
	}
	return "", ""
}

// buildPrompt assembles the generation prompt: specification body plus the
// current context summary, including the most recent truncated failure and
// the strategy-shift directive when injected.
func (l *Loop) buildPrompt(task *plan.Task, state *State, lastFailure string, shift bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task %d: %s\n\n%s\n", task.ID, task.Title, strings.TrimSpace(task.Body))

	if len(task.Files) > 0 {
		b.WriteString("\nScoped files for this task:\n")
		for _, f := range task.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	fmt.Fprintf(&b, "\nIteration %d of %d.\n", state.Iteration, state.MaxIterations)
	if lastFailure == "" {
		b.WriteString("This is a fresh attempt with no prior failure.\n")
	} else {
		fmt.Fprintf(&b, "The previous iteration failed the %q gate. Failure output (truncated):\n\n%s\n", state.LastGate, lastFailure)
	}
	if shift {
		b.WriteString("\n")
		b.WriteString(strategyShiftDirective)
		b.WriteString("\n")
	}

	b.WriteString("\nApply your changes directly to the working directory, then stop.")
	return b.String()
}

func (l *Loop) publishIteration(taskID, iteration int, failGate, hash string, passed, shifted bool, stuck int) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(events.TopicTask, events.TaskIterationEvent{
		ID:        taskID,
		Iteration: iteration,
		Gate:      failGate,
		Hash:      hash,
		Passed:    passed,
		Shifted:   shifted,
		Stuck:     stuck,
		Timestamp: time.Now(),
	})
}
