package runner

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/aristath/waverunner/internal/scheduler"
)

// WriteReport prints the run summary. Clean runs get the counts line only;
// failed and skipped tasks each get a detail line so the operator knows
// which branch to inspect.
func WriteReport(w io.Writer, results map[int]*TaskResult, sched *scheduler.Scheduler, waves map[int]int) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	counts := sched.Counts()
	fmt.Fprintf(w, "\n%s completed, %s failed, %s skipped\n",
		green(fmt.Sprintf("%d", counts[scheduler.StatusCompleted])),
		red(fmt.Sprintf("%d", counts[scheduler.StatusFailed])),
		yellow(fmt.Sprintf("%d", counts[scheduler.StatusSkipped])))

	ids := make([]int, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		res := results[id]
		if res.Status != scheduler.StatusFailed {
			continue
		}
		task, _ := sched.Task(id)
		title := ""
		if task != nil {
			title = task.Title
		}
		fmt.Fprintf(w, "%s task %d (wave %d): %s\n", red("FAILED"), id, waves[id], title)
		if res.LastGate != "" {
			fmt.Fprintf(w, "  last failing gate: %s\n", res.LastGate)
		}
		if res.FailureBranch != "" {
			fmt.Fprintf(w, "  preserved branch:  %s\n", res.FailureBranch)
		}
		if res.Err != nil {
			fmt.Fprintf(w, "  error: %v\n", res.Err)
		}
	}

	for _, id := range sched.Order() {
		if st, ok := sched.Status(id); ok && st == scheduler.StatusSkipped {
			task, _ := sched.Task(id)
			title := ""
			if task != nil {
				title = task.Title
			}
			fmt.Fprintf(w, "%s task %d (wave %d): %s\n", yellow("SKIPPED"), id, waves[id], title)
		}
	}
}
