package tmux

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"llmc/pkg/protocol"
)

const (
	// largeMessageThreshold routes messages through a paste buffer instead of
	// send-keys.
	largeMessageThreshold = 1024

	debounceBase    = 500 * time.Millisecond
	debouncePerKB   = 100 * time.Millisecond
	debounceMax     = 2000 * time.Millisecond
	enterRetries    = 3
	enterRetryDelay = 200 * time.Millisecond

	defaultReadyTimeout = 60 * time.Second
	pollInterval        = 500 * time.Millisecond
	promptIndicator     = "❯"

	pasteBuffer = "llmc-send"
)

// Sender delivers text to tmux sessions. Delivery is fire-and-forget: a nil
// error means tmux accepted the keystrokes, not that the agent acted on them.
type Sender struct {
	Runner       CmdRunner
	Prefix       string              // instance session prefix; targets must carry it
	Protected    []string            // sessions KillSession refuses to touch
	Sleeper      func(time.Duration) // optional; overrides time.Sleep for testing
	ReadyTimeout time.Duration       // 0 means defaultReadyTimeout
}

// NewSender returns a Sender bound to an instance's session prefix.
func NewSender(prefix string, protected ...protocol.TerminalSessionName) *Sender {
	s := &Sender{Runner: &ExecRunner{}, Prefix: prefix}
	for _, p := range protected {
		s.Protected = append(s.Protected, p.String())
	}
	return s
}

func (s *Sender) sleep(d time.Duration) {
	if s.Sleeper != nil {
		s.Sleeper(d)
		return
	}
	time.Sleep(d)
}

func (s *Sender) target(name protocol.TerminalSessionName) (string, error) {
	if name.IsZero() {
		return "", fmt.Errorf("tmux: empty terminal session name")
	}
	if s.Prefix != "" && !strings.HasPrefix(name.String(), s.Prefix) {
		return "", fmt.Errorf("tmux: session %q is outside instance prefix %q", name, s.Prefix)
	}
	return name.String(), nil
}

// debounce returns the pause between delivering text and pressing Enter.
func debounce(n int) time.Duration {
	d := debounceBase + time.Duration(n/1024)*debouncePerKB
	if d > debounceMax {
		return debounceMax
	}
	return d
}

// Send types text into the session's pane and submits it.
func (s *Sender) Send(name protocol.TerminalSessionName, text string) error {
	t, err := s.target(name)
	if err != nil {
		return err
	}

	if len(text) >= largeMessageThreshold {
		if _, err := s.Runner.Run("tmux", "set-buffer", "-b", pasteBuffer, text); err != nil {
			return fmt.Errorf("tmux set-buffer for %s: %w", t, err)
		}
		if _, err := s.Runner.Run("tmux", "paste-buffer", "-b", pasteBuffer, "-t", t, "-d"); err != nil {
			return fmt.Errorf("tmux paste-buffer to %s: %w", t, err)
		}
	} else {
		if _, err := s.Runner.Run("tmux", "send-keys", "-t", t, "-l", text); err != nil {
			return fmt.Errorf("tmux send-keys -l to %s: %w", t, err)
		}
	}

	s.sleep(debounce(len(text)))

	var lastErr error
	for attempt := 0; attempt < enterRetries; attempt++ {
		if attempt > 0 {
			s.sleep(enterRetryDelay)
		}
		if _, err := s.Runner.Run("tmux", "send-keys", "-t", t, "Enter"); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to send Enter to %s after %d attempts: %w", t, enterRetries, lastErr)
}

// HasSession reports whether the session is running.
func (s *Sender) HasSession(name protocol.TerminalSessionName) bool {
	t, err := s.target(name)
	if err != nil {
		return false
	}
	_, err = s.Runner.Run("tmux", "has-session", "-t", t)
	return err == nil
}

// StartSession creates a detached session running command in workdir with env
// set. The command replaces the shell, so the agent is the pane's process.
func (s *Sender) StartSession(name protocol.TerminalSessionName, workdir, command string, env map[string]string) error {
	t, err := s.target(name)
	if err != nil {
		return err
	}
	if _, err := s.Runner.Run("tmux", "new-session", "-d", "-s", t, "-c", workdir, execEnvCmd(command, env)); err != nil {
		return fmt.Errorf("tmux new-session %s: %w", t, err)
	}
	return nil
}

// execEnvCmd builds "exec env K=V ... command" with keys in sorted order.
func execEnvCmd(command string, env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("exec env")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, shellQuote(env[k]))
	}
	b.WriteString(" ")
	b.WriteString(command)
	return b.String()
}

// shellQuote wraps s in single quotes, escaping embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// KillSession destroys a session unless it is protected.
func (s *Sender) KillSession(name protocol.TerminalSessionName) error {
	t, err := s.target(name)
	if err != nil {
		return err
	}
	for _, p := range s.Protected {
		if p == t {
			return fmt.Errorf("tmux: refusing to kill protected session %s", t)
		}
	}
	if _, err := s.Runner.Run("tmux", "kill-session", "-t", t); err != nil {
		return fmt.Errorf("tmux kill-session %s: %w", t, err)
	}
	return nil
}

// Capture returns the visible content of the session's pane.
func (s *Sender) Capture(name protocol.TerminalSessionName) (string, error) {
	t, err := s.target(name)
	if err != nil {
		return "", err
	}
	out, err := s.Runner.Run("tmux", "capture-pane", "-p", "-t", t)
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", t, err)
	}
	return out, nil
}

// WaitForPrompt polls the pane until the agent's input prompt is rendered.
func (s *Sender) WaitForPrompt(name protocol.TerminalSessionName) error {
	timeout := s.ReadyTimeout
	if timeout == 0 {
		timeout = defaultReadyTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		out, err := s.Capture(name)
		if err == nil && strings.Contains(out, promptIndicator) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("prompt %q not found in %s within %v", promptIndicator, name, timeout)
		}
		s.sleep(pollInterval)
	}
}

// ListSessions returns the names of running sessions carrying the instance prefix.
func (s *Sender) ListSessions() ([]string, error) {
	out, err := s.Runner.Run("tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// tmux exits non-zero when no server is running.
		return nil, nil //nolint:nilerr // no server means no sessions
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, s.Prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}
