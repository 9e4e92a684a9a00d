// Package hooks carries agent lifecycle events from agent sessions to the
// daemon (or the overseer's remediation channel) over a unix socket.
//
// The listener accepts and decodes on its own goroutines and hands events to
// a single consumer through Events(), so a burst of connections never blocks
// whoever applies them.
package hooks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"llmc/pkg/protocol"

	"github.com/rs/zerolog"
)

const (
	defaultQueueSize = 256
	connReadTimeout  = 10 * time.Second
	staleDialTimeout = 1 * time.Second
)

// Listener serves one hook socket.
type Listener struct {
	socketPath string
	logger     zerolog.Logger
	events     chan protocol.Event
	ready      chan struct{}

	mu       sync.Mutex
	listener net.Listener
	dropped  int
}

// NewListener returns a listener for socketPath. queueSize bounds the number
// of decoded events waiting for the consumer; 0 means a default.
func NewListener(socketPath string, logger zerolog.Logger, queueSize int) *Listener {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Listener{
		socketPath: socketPath,
		logger:     logger.With().Str("socket", socketPath).Logger(),
		events:     make(chan protocol.Event, queueSize),
		ready:      make(chan struct{}),
	}
}

// Events is the single-consumer queue of decoded events.
func (l *Listener) Events() <-chan protocol.Event { return l.events }

// Ready is closed once the socket accepts connections.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// SocketPath returns the path this listener binds.
func (l *Listener) SocketPath() string { return l.socketPath }

// Dropped returns the number of connections dropped for malformed input.
func (l *Listener) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Run binds the socket and serves until ctx is cancelled. Only this
// listener's own socket file is ever created or removed.
func (l *Listener) Run(ctx context.Context) error {
	if err := cleanStaleSocket(l.socketPath); err != nil {
		return err
	}

	ln, err := net.Listen("unix", l.socketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", l.socketPath, err)
	}
	if err := os.Chmod(l.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket %s: %w", l.socketPath, err)
	}
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()
	close(l.ready)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.acceptLoop(ctx, ln, &wg)
	}()

	<-ctx.Done()
	_ = ln.Close() // unlinks the socket file it created
	wg.Wait()
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, wg *sync.WaitGroup) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn().Err(&protocol.TransientIPCError{Reason: "accept failed", Err: err}).Msg("hook accept")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads newline-delimited events until EOF. A malformed line
// drops the connection; events already queued from it stand.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()
	_ = conn.SetReadDeadline(time.Now().Add(connReadTimeout))

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := protocol.DecodeEvent(line)
		if err != nil {
			l.mu.Lock()
			l.dropped++
			l.mu.Unlock()
			l.logger.Warn().Err(err).Msg("dropping hook connection")
			return
		}
		select {
		case l.events <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		l.logger.Warn().Err(&protocol.TransientIPCError{Reason: "read failed", Err: err}).Msg("hook read")
	}
}

// cleanStaleSocket removes a socket file nobody is listening on. A live
// listener at socketPath is an error so the caller does not clobber it.
func cleanStaleSocket(socketPath string) error {
	_, err := os.Stat(socketPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", socketPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), staleDialTimeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, dialErr := dialer.DialContext(ctx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("another listener is already running on %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}
