package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"llmc/pkg/merge"
	"llmc/pkg/tmux"
)

// newRemoveCmd creates the "llmc remove" subcommand.
func newRemoveCmd() *cobra.Command {
	var opts removeOptions

	cmd := &cobra.Command{
		Use:   "remove <worker>...",
		Short: "Remove workers, their sessions and worktrees",
		Long: "Kills the worker's tmux session, releases its task claim and deletes its\n" +
			"worktree and branch. Workers holding a task are refused without --force.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, cfg, err := loadInstance()
			if err != nil {
				return err
			}
			p := newProvisioner(inst, cfg, &merge.ExecGitRunner{}, selfBinary())
			term := tmux.NewSender(inst.SessionPrefix, inst.OverseerSession())
			for _, name := range args {
				if err := p.remove(cmd.Context(), name, term, opts); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed worker %s\n", name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.force, "force", false, "remove workers that hold a task")
	cmd.Flags().BoolVar(&opts.keepWorktree, "keep-worktree", false, "leave the worktree and branch in place")

	return cmd
}
