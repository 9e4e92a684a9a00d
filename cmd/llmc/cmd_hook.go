package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"llmc/pkg/hooks"
	"llmc/pkg/instance"
	"llmc/pkg/protocol"
)

// maxHookInput bounds what is read from the agent on stdin.
const maxHookInput = 1 << 20

// hookInput is the part of the agent's hook payload llmc uses.
type hookInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	Reason         string `json:"reason"`
}

var hookKinds = map[string]protocol.EventKind{ //nolint:gochecknoglobals // lookup table
	"session-start": protocol.EventSessionStart,
	"stop":          protocol.EventStop,
	"session-end":   protocol.EventSessionEnd,
}

// newHookCmd creates the "llmc hook" subcommand. It runs inside agent hooks,
// so it never prints and always exits 0: a hook failure must not disturb the
// agent.
func newHookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hook <session-start|stop|session-end>",
		Short: "Relay an agent lifecycle hook to the daemon",
		Long: "Reads the agent's hook JSON from stdin and sends it to the hook socket named by\n" +
			"LLMC_HOOK_SOCKET (default: the instance's daemon socket). Silent; always exits 0.",
		Args:   cobra.ArbitraryArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return nil
			}
			_ = runHook(cmd.Context(), args[0], cmd.InOrStdin(), os.Getenv, time.Now)
			return nil
		},
	}
}

// runHook builds the event for kind from stdin and the environment and sends
// it. A missing socket means nothing is listening and is not an error.
func runHook(ctx context.Context, kind string, stdin io.Reader, getenv func(string) string, now func() time.Time) error {
	k, ok := hookKinds[kind]
	if !ok {
		return fmt.Errorf("unknown hook %q", kind)
	}

	var in hookInput
	if err := json.NewDecoder(io.LimitReader(stdin, maxHookInput)).Decode(&in); err != nil {
		return fmt.Errorf("decode hook input: %w", err)
	}

	socket := getenv(protocol.EnvHookSocket)
	if socket == "" {
		if root := getenv(protocol.EnvRoot); root != "" {
			socket = instance.New(root).SocketPath
		}
	}
	if socket == "" {
		return nil
	}
	if _, err := os.Stat(socket); err != nil {
		return nil //nolint:nilerr // no listener, nothing to deliver
	}

	ev := protocol.Event{
		Kind:           k,
		AgentSessionID: protocol.NewAgentSessionID(in.SessionID),
		Session:        getenv(protocol.EnvTerminalSession),
		Timestamp:      now().UTC(),
		TranscriptPath: in.TranscriptPath,
		Reason:         in.Reason,
	}
	return hooks.Send(ctx, socket, ev)
}
