package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/spf13/cobra"

	"llmc/pkg/instance"
	"llmc/pkg/protocol"
	"llmc/pkg/state"
)

// newAttachCmd creates the "llmc attach" subcommand.
func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <worker|overseer>",
		Short: "Attach to a worker's or the overseer's terminal session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := instance.Resolve()
			if err != nil {
				return err
			}
			st, err := state.NewStore(inst.StatePath, inst.LockPath).Snapshot()
			if err != nil {
				return err
			}
			argv, err := attachArgs(inst, st, args[0], os.Getenv("TMUX") != "")
			if err != nil {
				return err
			}
			tmux, err := exec.LookPath("tmux")
			if err != nil {
				return fmt.Errorf("tmux not found: %w", err)
			}
			return syscall.Exec(tmux, argv, os.Environ()) //nolint:gosec // argv is built from known session names
		},
	}
}

// attachArgs returns the tmux argv that shows the session of name. Inside
// tmux the current client switches instead of nesting.
func attachArgs(inst *instance.Instance, st *state.State, name string, inTmux bool) ([]string, error) {
	var session string
	if name == protocol.OverseerSessionSuffix {
		session = inst.OverseerSession().String()
	} else {
		w := st.Worker(name)
		if w == nil {
			return nil, fmt.Errorf("worker %q not found", name)
		}
		session = w.Session.String()
	}
	if inTmux {
		return []string{"tmux", "switch-client", "-t", session}, nil
	}
	return []string{"tmux", "attach-session", "-t", session}, nil
}
