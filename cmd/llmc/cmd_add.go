package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"llmc/pkg/merge"
)

// newAddCmd creates the "llmc add" subcommand.
func newAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <worker>...",
		Short: "Provision workers",
		Long: "Creates a worktree on branch llmc/<worker> for each worker and registers it idle.\n" +
			"A running daemon starts the worker's tmux session on its next patrol.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, cfg, err := loadInstance()
			if err != nil {
				return err
			}
			p := newProvisioner(inst, cfg, &merge.ExecGitRunner{}, selfBinary())
			for _, name := range args {
				rec, err := p.add(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("add worker %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added worker %s (%s on %s)\n", rec.Name, rec.Worktree, rec.Branch)
			}
			return nil
		},
	}
}
