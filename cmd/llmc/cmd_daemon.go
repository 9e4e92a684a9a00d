package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"llmc/internal/logging"
	"llmc/pkg/daemon"
	"llmc/pkg/proc"
)

// newDaemonCmd creates the "llmc daemon" subcommand.
func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the orchestrator daemon in the foreground",
		Long: "Runs the hook listener, patrol and acceptance loop of the instance until\n" +
			"SIGINT or SIGTERM. Logs go to <root>/logs/daemon.log. Usually started by\n" +
			"'llmc overseer' rather than by hand.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, cfg, err := loadInstance()
			if err != nil {
				return err
			}
			if err := inst.Bootstrap(); err != nil {
				return err
			}
			logger, f, err := logging.OpenFile(inst.DaemonLogPath(), "daemon", cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			ctx, stop := proc.NotifyShutdown(cmd.Context())
			defer stop()

			if err := daemon.New(inst, cfg, logger, daemon.Deps{}).Run(ctx); err != nil {
				return fmt.Errorf("daemon: %w", err)
			}
			return nil
		},
	}
}
