package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aristath/waverunner/internal/agent"
	"github.com/aristath/waverunner/internal/config"
	"github.com/aristath/waverunner/internal/events"
	"github.com/aristath/waverunner/internal/logging"
	"github.com/aristath/waverunner/internal/persistence"
	"github.com/aristath/waverunner/internal/plan"
	"github.com/aristath/waverunner/internal/ralph"
	"github.com/aristath/waverunner/internal/runner"
	"github.com/aristath/waverunner/internal/scheduler"
	"github.com/aristath/waverunner/internal/workspace"
)

type runFlags struct {
	maxConcurrent  int
	worktreeDir    string
	baseBranch     string
	dryRun         bool
	nonInteractive bool
	repoPath       string
	logLevel       string
}

func newRunCmd(pm *agent.ProcessManager) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <plan.md>",
		Short: "Execute a markdown plan wave by wave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), pm, args[0], flags)
		},
	}

	cmd.Flags().IntVar(&flags.maxConcurrent, "max-concurrent", 0, "maximum tasks in flight (default from config)")
	cmd.Flags().StringVar(&flags.worktreeDir, "worktree-dir", "", "directory for task worktrees, relative to the repo")
	cmd.Flags().StringVar(&flags.baseBranch, "base-branch", "", "shared branch merges land on")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "print the wave schedule and exit without executing")
	cmd.Flags().BoolVar(&flags.nonInteractive, "non-interactive", false, "suppress per-event progress output")
	cmd.Flags().StringVarP(&flags.repoPath, "repo", "C", ".", "path to the target git repository")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func runPlan(ctx context.Context, pm *agent.ProcessManager, planPath string, flags runFlags) error {
	cfg, err := config.Load(flags.repoPath)
	if err != nil {
		return err
	}
	// Flags beat config file and environment.
	if flags.maxConcurrent > 0 {
		cfg.Run.MaxConcurrent = flags.maxConcurrent
	}
	if flags.worktreeDir != "" {
		cfg.Run.WorktreeDir = flags.worktreeDir
	}
	if flags.baseBranch != "" {
		cfg.Run.BaseBranch = flags.baseBranch
	}
	if flags.nonInteractive {
		cfg.Run.NonInteractive = true
	}

	text, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("reading plan: %w", err)
	}
	tasks, err := plan.Parse(string(text))
	if err != nil {
		return fmt.Errorf("parsing plan: %w", err)
	}
	if err := plan.Validate(tasks); err != nil {
		return fmt.Errorf("validating plan: %w", err)
	}
	if cfg.Run.DetectOverlaps {
		if err := plan.DetectFileOverlaps(tasks); err != nil {
			return fmt.Errorf("resolving file overlaps: %w", err)
		}
	}
	waves := plan.ComputeWaves(tasks)

	if flags.dryRun {
		printSchedule(os.Stdout, tasks, waves)
		return nil
	}

	log, closeLog, err := logging.New(filepath.Join(flags.repoPath, ".waverunner"), flags.logLevel)
	if err != nil {
		return err
	}
	defer closeLog()

	sched, err := scheduler.New(tasks, waves, cfg.Run.MaxConcurrent)
	if err != nil {
		return err
	}

	var store persistence.Store
	sqlStore, err := persistence.NewSQLiteStore(ctx, filepath.Join(flags.repoPath, cfg.Run.StateDB))
	if err != nil {
		log.Warn("run journal unavailable, continuing without it", "error", err)
	} else {
		store = sqlStore
		defer sqlStore.Close()
	}

	runID := uuid.NewString()
	fingerprint, err := plan.Fingerprint(tasks)
	if err != nil {
		return fmt.Errorf("fingerprinting plan: %w", err)
	}
	if store != nil {
		if err := store.CreateRun(ctx, runID, fingerprint, cfg.Run.BaseBranch); err != nil {
			log.Warn("recording run", "error", err)
		}
	}

	bus := events.NewBus()
	defer bus.Close()
	reporterDone := startReporter(bus, cfg.Run.NonInteractive)
	var journalDone <-chan struct{}
	if store != nil {
		journalDone = startJournal(bus, store, runID, log)
	}

	manager := workspace.NewManager(workspace.Config{
		RepoPath:    flags.repoPath,
		BaseBranch:  cfg.Run.BaseBranch,
		WorktreeDir: cfg.Run.WorktreeDir,
	})

	r := runner.New(runner.Config{
		MaxConcurrent:   cfg.Run.MaxConcurrent,
		MergeRetries:    cfg.Run.MergeRetries,
		SpecGateEnabled: cfg.Ralph.SpecGateEnabled,
		Agent: agent.Config{
			Type:         cfg.Agent.Type,
			Command:      cfg.Agent.Command,
			Model:        cfg.Agent.Model,
			SystemPrompt: cfg.Agent.SystemPrompt,
		},
		Ralph: ralph.LoopConfig{
			MaxIterations:  cfg.Ralph.MaxIterations,
			StuckThreshold: cfg.Ralph.StuckThreshold,
			TruncateLines:  cfg.Ralph.TruncateLines,
			AttemptTimeout: cfg.Ralph.AttemptTimeout,
		},
		Workspaces:     manager,
		Store:          store,
		Bus:            bus,
		ProcessManager: pm,
		RunID:          runID,
		Log:            log,
	}, tasks, waves, sched)

	results, runErr := r.Run(ctx)

	bus.Close()
	<-reporterDone
	if journalDone != nil {
		<-journalDone
	}

	outcome := "completed"
	allCompleted := true
	for _, id := range sched.Order() {
		if st, ok := sched.Status(id); !ok || st != scheduler.StatusCompleted {
			allCompleted = false
			outcome = "failed"
			break
		}
	}
	if runErr != nil {
		outcome = "aborted"
	}
	if store != nil {
		if err := store.FinishRun(context.WithoutCancel(ctx), runID, outcome); err != nil {
			log.Warn("finishing run record", "error", err)
		}
	}

	runner.WriteReport(os.Stdout, results, sched, waves)

	if runErr != nil {
		return runErr
	}
	if !allCompleted {
		return fmt.Errorf("run finished with failed or skipped tasks")
	}
	return nil
}

// printSchedule writes the wave schedule for --dry-run.
func printSchedule(w io.Writer, tasks []*plan.Task, waves map[int]int) {
	byWave := make(map[int][]*plan.Task)
	for _, t := range tasks {
		byWave[waves[t.ID]] = append(byWave[waves[t.ID]], t)
	}

	for wave := 0; wave <= plan.MaxWave(waves); wave++ {
		fmt.Fprintf(w, "Wave %d:\n", wave)
		ts := byWave[wave]
		sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
		for _, t := range ts {
			if len(t.DependsOn) == 0 {
				fmt.Fprintf(w, "  Task %d: %s\n", t.ID, t.Title)
			} else {
				fmt.Fprintf(w, "  Task %d: %s (after %v)\n", t.ID, t.Title, t.DependsOn)
			}
		}
	}
}

// startReporter consumes bus events and prints progress lines. Returns a
// channel closed when the subscription drains after bus close.
func startReporter(bus *events.Bus, quiet bool) <-chan struct{} {
	ch := bus.SubscribeAll(256)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for e := range ch {
			if quiet {
				continue
			}
			switch ev := e.(type) {
			case events.WaveStartedEvent:
				fmt.Printf("[%s] wave %d: dispatching %d task(s)\n", stamp(), ev.Wave, len(ev.Ready))
			case events.TaskStartedEvent:
				fmt.Printf("[%s] task %d started (attempt %d): %s\n", stamp(), ev.ID, ev.Attempt, ev.Title)
			case events.TaskIterationEvent:
				if !ev.Passed {
					fmt.Printf("[%s] task %d iteration %d failed gate %q\n", stamp(), ev.ID, ev.Iteration, ev.Gate)
				}
			case events.TaskStuckEvent:
				fmt.Printf("[%s] task %d stuck at iteration %d, shifting strategy\n", stamp(), ev.ID, ev.Iteration)
			case events.TaskMergedEvent:
				fmt.Printf("[%s] task %d merge: %s\n", stamp(), ev.ID, ev.Outcome)
			case events.TaskCompletedEvent:
				fmt.Printf("[%s] task %d completed in %s\n", stamp(), ev.ID, ev.Duration.Round(time.Second))
			case events.TaskFailedEvent:
				fmt.Printf("[%s] task %d failed\n", stamp(), ev.ID)
			case events.TaskSkippedEvent:
				fmt.Printf("[%s] task %d skipped (task %d failed)\n", stamp(), ev.ID, ev.Cause)
			}
		}
	}()
	return done
}

// startJournal records retry-loop attempts into the run journal as their
// iteration events arrive.
func startJournal(bus *events.Bus, store persistence.Store, runID string, log *slog.Logger) <-chan struct{} {
	ch := bus.Subscribe(events.TopicTask, 256)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for e := range ch {
			it, ok := e.(events.TaskIterationEvent)
			if !ok || it.Passed {
				continue
			}
			rec := persistence.AttemptRecord{
				TaskID:          it.ID,
				Iteration:       it.Iteration,
				Gate:            it.Gate,
				Hash:            it.Hash,
				ShiftedStrategy: it.Shifted,
			}
			if err := store.RecordAttempt(context.Background(), runID, rec); err != nil {
				log.Warn("journaling attempt", "task", it.ID, "error", err)
			}
		}
	}()
	return done
}

func stamp() string {
	return time.Now().Format("15:04:05")
}
