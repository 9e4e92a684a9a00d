package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// TerminalSessionName is the stable tmux address of a worker. It is the only
// value a terminal sender accepts as a target.
//
// Its field set differs from AgentSessionID's, so Go permits no conversion
// between the two.
type TerminalSessionName struct {
	session string
}

// SessionName derives the terminal session name for worker within an instance
// whose session prefix is prefix.
func SessionName(prefix, worker string) TerminalSessionName {
	return TerminalSessionName{session: prefix + worker}
}

// ValidateWorkerName checks that name can serve as a session suffix, branch
// component and directory name: letters, digits, '_' and '-' only. The
// overseer's session suffix is reserved.
func ValidateWorkerName(name string) error {
	if name == "" {
		return fmt.Errorf("worker name must not be empty")
	}
	if name == OverseerSessionSuffix {
		return fmt.Errorf("worker name %q is reserved", name)
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return fmt.Errorf("invalid worker name %q: only letters, digits, '_' and '-' are allowed", name)
		}
	}
	return nil
}

// ParseTerminalSessionName validates s against the instance prefix. It is used
// for names arriving from outside the process (hook events, state files).
func ParseTerminalSessionName(prefix, s string) (TerminalSessionName, error) {
	if prefix == "" || !strings.HasPrefix(s, prefix) || len(s) == len(prefix) {
		return TerminalSessionName{}, fmt.Errorf("terminal session %q lacks instance prefix %q", s, prefix)
	}
	return TerminalSessionName{session: s}, nil
}

// String returns the tmux session name.
func (n TerminalSessionName) String() string { return n.session }

// IsZero reports whether n is unset.
func (n TerminalSessionName) IsZero() bool { return n.session == "" }

// MarshalJSON encodes the name as a plain string.
func (n TerminalSessionName) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.session)
}

// UnmarshalJSON decodes a plain string.
func (n *TerminalSessionName) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &n.session)
}

// AgentSessionID identifies one run of a coding agent. It is ephemeral and
// never addresses a terminal.
type AgentSessionID struct {
	id string
}

// NewAgentSessionID wraps an agent-reported session id.
func NewAgentSessionID(id string) AgentSessionID {
	return AgentSessionID{id: id}
}

// String returns the raw id.
func (a AgentSessionID) String() string { return a.id }

// IsZero reports whether a is unset.
func (a AgentSessionID) IsZero() bool { return a.id == "" }

// Equal reports whether a and b name the same agent session.
func (a AgentSessionID) Equal(b AgentSessionID) bool { return a.id == b.id }

// MarshalJSON encodes the id as a plain string.
func (a AgentSessionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.id)
}

// UnmarshalJSON decodes a plain string.
func (a *AgentSessionID) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &a.id)
}
