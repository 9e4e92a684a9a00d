package main

import (
	"github.com/spf13/cobra"

	"llmc/internal/version"
)

// newRootCmd creates the root llmc command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llmc",
		Short: "Coding-agent fleet orchestrator",
		Long: "llmc runs a fleet of coding agents in tmux sessions, each in its own git worktree.\n" +
			"The daemon hands out tasks and merges finished work; the overseer keeps the daemon healthy.\n" +
			"Set LLMC_ROOT to run several independent instances on one host.",
		Version:       "llmc " + version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newAddCmd(),
		newRemoveCmd(),
		newDaemonCmd(),
		newOverseerCmd(),
		newHookCmd(),
		newStatusCmd(),
		newStopCmd(),
		newResetCmd(),
		newLogsCmd(),
		newAttachCmd(),
	)

	return cmd
}
