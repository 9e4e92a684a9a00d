package overseer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llmc/pkg/hooks"
	"llmc/pkg/protocol"
)

// Terminal drives the remediation agent's tmux session.
type Terminal interface {
	Send(name protocol.TerminalSessionName, text string) error
	WaitForPrompt(name protocol.TerminalSessionName) error
	HasSession(name protocol.TerminalSessionName) bool
	StartSession(name protocol.TerminalSessionName, workdir, command string, env map[string]string) error
	Capture(name protocol.TerminalSessionName) (string, error)
}

// RemediationOptions configures a RemediationExecutor.
type RemediationOptions struct {
	Session      protocol.TerminalSessionName
	SocketPath   string // remediation socket, never the daemon's
	LogsDir      string
	Workdir      string
	AgentCommand string
	Env          map[string]string
	Timeout      time.Duration
}

// RemediationExecutor runs one remediation prompt in the overseer session and
// waits for the agent to finish its turn.
type RemediationExecutor struct {
	term   Terminal
	opts   RemediationOptions
	logger zerolog.Logger

	nowFunc func() time.Time
}

// NewRemediationExecutor returns an executor driving term.
func NewRemediationExecutor(term Terminal, opts RemediationOptions, logger zerolog.Logger) *RemediationExecutor {
	return &RemediationExecutor{term: term, opts: opts, logger: logger, nowFunc: time.Now}
}

// Remediate sends prompt to the remediation agent and blocks until a Stop
// from the overseer session arrives on the remediation socket. SessionEnd
// from that session, a timeout or a setup failure yield
// *protocol.RemediationFailureError. Cancellation returns ctx.Err().
func (r *RemediationExecutor) Remediate(ctx context.Context, attempt int, prompt string) error {
	fail := func(format string, args ...any) error {
		return &protocol.RemediationFailureError{Attempt: attempt, Reason: fmt.Sprintf(format, args...)}
	}

	rlog, err := createRemediationLog(r.opts.LogsDir, r.nowFunc(), prompt)
	if err != nil {
		return fail("%v", err)
	}
	defer rlog.close()
	r.logger.Info().Str("log", rlog.path).Int("attempt", attempt).Msg("remediation started")

	// The session is cleared before the socket exists, so the hooks fired by
	// /clear find nothing to report to.
	if err := r.prepareSession(); err != nil {
		rlog.entry(r.nowFunc(), "session setup failed: %v", err)
		return fail("%v", err)
	}
	rlog.entry(r.nowFunc(), "session %s ready", r.opts.Session)

	listenCtx, stopListener := context.WithCancel(ctx)
	listener := hooks.NewListener(r.opts.SocketPath, r.logger, 16)
	listenDone := make(chan error, 1)
	go func() { listenDone <- listener.Run(listenCtx) }()
	defer func() {
		stopListener()
		<-listenDone
	}()

	select {
	case <-listener.Ready():
	case err := <-listenDone:
		listenDone <- err
		return fail("remediation listener: %v", err)
	case <-ctx.Done():
		return ctx.Err()
	}
	rlog.entry(r.nowFunc(), "listening on %s", r.opts.SocketPath)

	if err := r.term.Send(r.opts.Session, prompt); err != nil {
		rlog.entry(r.nowFunc(), "send failed: %v", err)
		return fail("send prompt: %v", err)
	}
	rlog.entry(r.nowFunc(), "sent prompt (%d bytes)", len(prompt))

	err = r.await(ctx, listener, rlog, fail)
	if out, capErr := r.term.Capture(r.opts.Session); capErr == nil {
		rlog.section("Session Output", out)
	}
	switch {
	case err == nil:
		rlog.entry(r.nowFunc(), "remediation complete")
		r.logger.Info().Int("attempt", attempt).Msg("remediation complete")
	case ctx.Err() != nil:
		rlog.entry(r.nowFunc(), "remediation interrupted")
	default:
		rlog.entry(r.nowFunc(), "remediation failed: %v", err)
		r.logger.Error().Err(err).Msg("remediation failed")
	}
	return err
}

// prepareSession starts the session if needed and clears the agent's context.
func (r *RemediationExecutor) prepareSession() error {
	if !r.term.HasSession(r.opts.Session) {
		if err := r.term.StartSession(r.opts.Session, r.opts.Workdir, r.opts.AgentCommand, r.opts.Env); err != nil {
			return fmt.Errorf("start overseer session: %w", err)
		}
	}
	if err := r.term.WaitForPrompt(r.opts.Session); err != nil {
		return fmt.Errorf("overseer session not ready: %w", err)
	}
	if err := r.term.Send(r.opts.Session, "/clear"); err != nil {
		return fmt.Errorf("clear overseer session: %w", err)
	}
	if err := r.term.WaitForPrompt(r.opts.Session); err != nil {
		return fmt.Errorf("overseer session not ready after clear: %w", err)
	}
	return nil
}

// await waits for the Stop that ends the agent's turn. Hooks from a /clear
// still in flight are skipped: SessionEnd with reason clear, and anything from
// an agent session other than the one that started last.
func (r *RemediationExecutor) await(ctx context.Context, listener *hooks.Listener, rlog *remediationLog, fail func(string, ...any) error) error {
	timeout := time.NewTimer(r.opts.Timeout)
	defer timeout.Stop()

	session := r.opts.Session.String()
	var agent protocol.AgentSessionID
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fail("no stop from %s within %s", session, r.opts.Timeout)
		case ev := <-listener.Events():
			rlog.entry(r.nowFunc(), "hook event %s from %s (%s)", ev.Kind, ev.AgentSessionID, ev.Session)
			if ev.Session != session && (agent.IsZero() || !ev.AgentSessionID.Equal(agent)) {
				r.logger.Warn().Str("session", ev.Session).Str("kind", string(ev.Kind)).Msg("ignoring event from another session")
				continue
			}
			if ev.Kind == protocol.EventSessionStart {
				agent = ev.AgentSessionID
				continue
			}
			if !agent.IsZero() && !ev.AgentSessionID.Equal(agent) {
				r.logger.Debug().Str("agent_session", ev.AgentSessionID.String()).Str("kind", string(ev.Kind)).Msg("ignoring event from a replaced agent session")
				continue
			}
			switch ev.Kind {
			case protocol.EventStop:
				return nil
			case protocol.EventSessionEnd:
				if ev.Reason == protocol.SessionEndClear {
					continue
				}
				return fail("overseer session ended: %s", ev.Reason)
			}
		}
	}
}

type remediationLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func createRemediationLog(dir string, now time.Time, prompt string) (*remediationLog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "remediation_"+now.UTC().Format("20060102_150405")+".txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // under the instance logs dir
	if err != nil {
		return nil, fmt.Errorf("create remediation log: %w", err)
	}
	l := &remediationLog{path: path, f: f}
	fmt.Fprintf(f, "# Remediation Log\nStarted: %s\n\n", now.UTC().Format(time.RFC3339))
	l.section("Remediation Prompt", prompt)
	fmt.Fprintf(f, "## Events\n\n")
	return l, nil
}

func (l *remediationLog) entry(now time.Time, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.f, "[%s] %s\n", now.UTC().Format("15:04:05"), fmt.Sprintf(format, args...))
}

func (l *remediationLog) section(title, body string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.f, "\n## %s\n\n```\n%s\n```\n\n", title, body)
}

func (l *remediationLog) close() { _ = l.f.Close() }
