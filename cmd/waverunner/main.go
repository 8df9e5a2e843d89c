package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/waverunner/internal/agent"
)

func main() {
	// Signal-aware context for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := agent.NewProcessManager()

	root := newRootCmd(pm)
	err := root.ExecuteContext(ctx)

	// Any agent subprocess still alive at this point is orphaned; kill its
	// process group before exiting.
	if pm.Count() > 0 {
		if kerr := pm.KillAll(); kerr != nil {
			fmt.Fprintf(os.Stderr, "killing remaining agent processes: %v\n", kerr)
		}
	}

	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(pm *agent.ProcessManager) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "waverunner",
		Short:         "Parallel task execution for dependency-ordered coding plans",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.AddCommand(newRunCmd(pm))
	cmd.AddCommand(newWorktreesCmd())
	return cmd
}
