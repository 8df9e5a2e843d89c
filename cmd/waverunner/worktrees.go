package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/waverunner/internal/config"
	"github.com/aristath/waverunner/internal/workspace"
)

func newWorktreesCmd() *cobra.Command {
	var repoPath string

	cmd := &cobra.Command{
		Use:   "worktrees",
		Short: "Inspect and clean up task worktrees",
	}
	cmd.PersistentFlags().StringVarP(&repoPath, "repo", "C", ".", "path to the target git repository")

	list := &cobra.Command{
		Use:   "list",
		Short: "List task worktrees",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager(repoPath)
			if err != nil {
				return err
			}
			workspaces, err := manager.List()
			if err != nil {
				return err
			}
			if len(workspaces) == 0 {
				fmt.Println("no task worktrees")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tBRANCH\tPATH")
			for _, ws := range workspaces {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", ws.TaskID, ws.Branch, ws.Path)
			}
			return tw.Flush()
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove stale worktree registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager(repoPath)
			if err != nil {
				return err
			}
			return manager.Prune()
		},
	}

	cmd.AddCommand(list, prune)
	return cmd
}

func newManager(repoPath string) (*workspace.Manager, error) {
	cfg, err := config.Load(repoPath)
	if err != nil {
		return nil, err
	}
	return workspace.NewManager(workspace.Config{
		RepoPath:    repoPath,
		BaseBranch:  cfg.Run.BaseBranch,
		WorktreeDir: cfg.Run.WorktreeDir,
	}), nil
}
