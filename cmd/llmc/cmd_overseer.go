package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"llmc/internal/logging"
	"llmc/pkg/overseer"
	"llmc/pkg/proc"
)

// newOverseerCmd creates the "llmc overseer" subcommand.
func newOverseerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overseer",
		Short: "Supervise the daemon and remediate failures",
		Long: "Starts the daemon (or adopts a running one), checks its health, and on failure\n" +
			"stops it, runs a remediation agent in the overseer tmux session and restarts it.\n" +
			"Stops on a failure spiral or when a manual intervention file appears.\n" +
			"Logs go to <root>/logs/overseer.log.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, cfg, err := loadInstance()
			if err != nil {
				return err
			}
			if err := inst.Bootstrap(); err != nil {
				return err
			}
			logger, f, err := logging.OpenFile(inst.OverseerLogPath(), "overseer", cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			if isatty.IsTerminal(os.Stdout.Fd()) {
				fmt.Fprintf(cmd.OutOrStdout(), "overseer running for %s; logs in %s (Ctrl-C stops the daemon and the overseer)\n",
					inst.Root, inst.OverseerLogPath())
			}

			ctx, stop := proc.NotifyShutdown(cmd.Context())
			defer stop()

			return overseer.New(inst, cfg, logger, overseer.Deps{Binary: selfBinary()}).Run(ctx)
		},
	}
}
