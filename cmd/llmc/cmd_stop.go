package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"llmc/pkg/instance"
	"llmc/pkg/proc"
)

// stopConfig holds what runStop needs; tests swap the process functions.
type stopConfig struct {
	inst    *instance.Instance
	out     *startupLog
	alive   func(pid int) bool
	signal  func(pid int, sig syscall.Signal) error
	timeout time.Duration
	poll    time.Duration
}

// newStopCmd creates the "llmc stop" subcommand.
func newStopCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the overseer and the daemon",
		Long: "Sends SIGTERM to the overseer, then to the daemon, and waits for each to exit.\n" +
			"A process still alive after --timeout gets SIGKILL. Worker sessions keep running.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := instance.Resolve()
			if err != nil {
				return err
			}
			return runStop(cmd.Context(), stopConfig{
				inst:    inst,
				out:     newStartupLog(cmd.OutOrStdout()),
				alive:   proc.IsProcessAlive,
				signal:  proc.Signal,
				timeout: timeout,
				poll:    100 * time.Millisecond,
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for each process before SIGKILL")
	return cmd
}

// runStop stops the overseer first so it does not treat the daemon's exit as
// a failure to remediate.
func runStop(ctx context.Context, sc stopConfig) error {
	overseer, err := stopProcess(ctx, sc, "overseer", sc.inst.OverseerPIDPath)
	if err != nil {
		return err
	}
	daemon, err := stopProcess(ctx, sc, "daemon", sc.inst.DaemonPIDPath)
	if err != nil {
		return err
	}
	if !overseer && !daemon {
		sc.out.Step("llmc is not running")
	}
	return nil
}

// stopProcess terminates the process recorded at pidPath. It reports whether
// a live process was found.
func stopProcess(ctx context.Context, sc stopConfig, label, pidPath string) (bool, error) {
	pid, err := proc.ReadPIDFile(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sc.alive(pid) {
		sc.out.Step(fmt.Sprintf("removed stale %s PID file (PID %d)", label, pid))
		return false, proc.RemovePIDFile(pidPath)
	}

	if err := sc.signal(pid, syscall.SIGTERM); err != nil {
		return true, fmt.Errorf("stop %s: %w", label, err)
	}
	done := sc.out.StartSpinner(fmt.Sprintf("stopping %s (PID %d)", label, pid))
	if waitExit(ctx, sc, pid, sc.timeout) {
		done("✓")
		return true, proc.RemovePIDFile(pidPath)
	}
	if ctx.Err() != nil {
		done("!")
		return true, ctx.Err()
	}

	done("!")
	sc.out.Warn(fmt.Sprintf("%s did not exit within %s; sending SIGKILL", label, sc.timeout))
	if err := sc.signal(pid, syscall.SIGKILL); err != nil {
		return true, fmt.Errorf("kill %s: %w", label, err)
	}
	if !waitExit(ctx, sc, pid, 5*time.Second) {
		return true, fmt.Errorf("%s (PID %d) survived SIGKILL", label, pid)
	}
	sc.out.Step(label + " killed")
	return true, proc.RemovePIDFile(pidPath)
}

// waitExit polls until pid is gone, timeout passes or ctx ends.
func waitExit(ctx context.Context, sc stopConfig, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(sc.poll)
	defer ticker.Stop()
	for sc.alive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
