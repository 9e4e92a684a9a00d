package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"llmc/pkg/eventlog"
	"llmc/pkg/instance"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
	"llmc/pkg/state"
)

// resetOptions holds the flags of `llmc reset`.
type resetOptions struct {
	all   bool
	force bool
}

// newResetCmd creates the "llmc reset" subcommand.
func newResetCmd() *cobra.Command {
	var opts resetOptions

	cmd := &cobra.Command{
		Use:   "reset [worker...]",
		Short: "Return workers in error to idle",
		Long: "Clears a worker's error, task, claim and backoff so the daemon can assign it again.\n" +
			"Only workers in error are reset unless --force is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.all == (len(args) > 0) {
				return errors.New("name the workers to reset, or pass --all")
			}
			inst, err := instance.Resolve()
			if err != nil {
				return err
			}
			return runReset(cmd.Context(), cmd.OutOrStdout(), inst, args, opts, time.Now())
		},
	}

	cmd.Flags().BoolVar(&opts.all, "all", false, "reset every worker in error")
	cmd.Flags().BoolVar(&opts.force, "force", false, "reset named workers whatever their state")
	return cmd
}

// runReset resets the named workers, or with opts.all every worker in error,
// in one locked update.
func runReset(ctx context.Context, w io.Writer, inst *instance.Instance, names []string, opts resetOptions, now time.Time) error {
	reg := registry.New("cli")
	var done []registry.Transition

	err := state.NewStore(inst.StatePath, inst.LockPath).WithLock(ctx, func(st *state.State) error {
		done = done[:0]
		targets := names
		if opts.all {
			targets = nil
			for _, wr := range st.Workers {
				if wr.State == protocol.WorkerError {
					targets = append(targets, wr.Name)
				}
			}
		}
		for _, name := range targets {
			wr := st.Worker(name)
			if wr == nil {
				return fmt.Errorf("worker %q not found", name)
			}
			if wr.State != protocol.WorkerError && !opts.force {
				return fmt.Errorf("worker %s is %s, not error; pass --force to reset it anyway", name, wr.State)
			}
			t, err := reg.Reset(st, name, now)
			if err != nil {
				return err
			}
			done = append(done, t)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(done) == 0 {
		fmt.Fprintln(w, "no workers in error")
		return nil
	}
	for _, t := range done {
		fmt.Fprintf(w, "%s: %s -> %s\n", t.Worker, t.From, t.To)
		recordCLIEvent(inst, eventlog.Entry{
			Type:    eventlog.TypeTransition,
			Worker:  t.Worker,
			Payload: fmt.Sprintf("%s->%s (%s)", t.From, t.To, t.Trigger),
		})
	}
	return nil
}
