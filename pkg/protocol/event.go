package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// EventKind is the lifecycle notification carried by a hook event.
type EventKind string

// Hook event kinds.
const (
	EventSessionStart EventKind = "session_start"
	EventStop         EventKind = "stop"
	EventSessionEnd   EventKind = "session_end"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventSessionStart, EventStop, EventSessionEnd:
		return true
	}
	return false
}

// Event is one framed record on a hook socket. Session is the terminal
// session the emitting agent runs in, as reported by its environment; it is
// only consulted by session_start.
type Event struct {
	Kind           EventKind      `json:"kind"`
	AgentSessionID AgentSessionID `json:"agent_session_id"`
	Session        string         `json:"session,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	TranscriptPath string         `json:"transcript_path,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// Validate checks the fields every event must carry.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.AgentSessionID.IsZero() {
		return fmt.Errorf("%s event missing agent_session_id", e.Kind)
	}
	if e.Kind == EventSessionStart && e.Session == "" {
		return fmt.Errorf("session_start event missing session")
	}
	return nil
}

// WriteEvent writes e as one newline-terminated JSON line.
func WriteEvent(w io.Writer, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// DecodeEvent parses and validates one framed line.
func DecodeEvent(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, &TransientIPCError{Reason: "malformed event", Err: err}
	}
	if err := e.Validate(); err != nil {
		return Event{}, &TransientIPCError{Reason: "invalid event", Err: err}
	}
	return e, nil
}
