package hooks

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"llmc/pkg/protocol"
)

// SendTimeout bounds a hook delivery end to end.
const SendTimeout = 3 * time.Second

// Send delivers one event to the listener at socketPath. A missing socket
// file yields an error matching os.ErrNotExist.
func Send(ctx context.Context, socketPath string, ev protocol.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("send hook event: %w", err)
	}
	if _, err := os.Stat(socketPath); err != nil {
		return fmt.Errorf("hook socket %s: %w", socketPath, err)
	}

	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial hook socket %s: %w", socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	return protocol.WriteEvent(conn, ev)
}
