// Package overseer supervises the daemon of one instance: it checks the
// daemon's health, terminates and restarts it, and runs a remediation agent
// in a dedicated terminal session between the two.
package overseer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"llmc/pkg/proc"
	"llmc/pkg/state"
)

// Condition classifies a health check result.
type Condition string

// Health conditions, in the order Check tests for them.
const (
	Healthy          Condition = "healthy"
	IdentityMismatch Condition = "identity_mismatch"
	DaemonFatal      Condition = "daemon_fatal"
	ProcessGone      Condition = "process_gone"
	HeartbeatStale   Condition = "heartbeat_stale"
	LogError         Condition = "log_error"
	Stalled          Condition = "stalled"
)

// HealthStatus is the outcome of one health check.
type HealthStatus struct {
	Condition Condition
	Detail    string
	Age       time.Duration // heartbeat age or time since the last completed task
}

// Healthy reports whether no failure was found.
func (s HealthStatus) Healthy() bool { return s.Condition == Healthy || s.Condition == "" }

// Describe renders the status for logs, prompts and the CLI.
func (s HealthStatus) Describe() string {
	switch s.Condition {
	case Healthy, "":
		return "daemon is healthy"
	case IdentityMismatch:
		return "daemon identity mismatch: " + s.Detail
	case DaemonFatal:
		return "daemon halted on fatal error: " + s.Detail
	case ProcessGone:
		if s.Detail != "" {
			return "daemon process is gone: " + s.Detail
		}
		return "daemon process is gone"
	case HeartbeatStale:
		return fmt.Sprintf("heartbeat is stale (%s old)", s.Age.Round(time.Second))
	case LogError:
		return "error in daemon log: " + s.Detail
	case Stalled:
		return fmt.Sprintf("no task completed for %s", s.Age.Round(time.Second))
	}
	return string(s.Condition) + ": " + s.Detail
}

// Expected identifies the daemon process the overseer started or adopted.
type Expected struct {
	PID        int
	InstanceID string
	StartedAt  time.Time
}

// ExpectedFrom captures the identity recorded in reg.
func ExpectedFrom(reg *state.DaemonRegistration) Expected {
	return Expected{PID: reg.PID, InstanceID: reg.InstanceID, StartedAt: reg.StartedAt}
}

// HealthMonitor checks a daemon against its registration file and log.
type HealthMonitor struct {
	registrationPath string
	heartbeatTimeout time.Duration
	stallTimeout     time.Duration
	tailer           *LogTailer

	alive   func(pid int) bool
	nowFunc func() time.Time
}

// NewHealthMonitor returns a monitor for the registration at registrationPath
// and the JSON log at logPath. A zero stallTimeout disables stall detection.
func NewHealthMonitor(registrationPath, logPath string, heartbeatTimeout, stallTimeout time.Duration) *HealthMonitor {
	return &HealthMonitor{
		registrationPath: registrationPath,
		heartbeatTimeout: heartbeatTimeout,
		stallTimeout:     stallTimeout,
		tailer:           NewLogTailer(logPath),
		alive:            proc.IsProcessAlive,
		nowFunc:          time.Now,
	}
}

// SkipExistingLog moves the log position to the current end so errors from an
// earlier daemon run are not reported against a new one.
func (m *HealthMonitor) SkipExistingLog() { m.tailer.SkipToEnd() }

// Check runs the checks in order and returns the first failure. A fatal error
// recorded in the registration is reported before the missing process it
// causes, since it says why.
func (m *HealthMonitor) Check(expected Expected) HealthStatus {
	reg, err := state.ReadDaemonRegistration(m.registrationPath)
	if err != nil {
		return HealthStatus{Condition: IdentityMismatch, Detail: err.Error()}
	}
	if reg == nil {
		return HealthStatus{Condition: ProcessGone, Detail: "registration removed"}
	}
	if reg.PID != expected.PID {
		return HealthStatus{Condition: IdentityMismatch, Detail: fmt.Sprintf("pid changed from %d to %d", expected.PID, reg.PID)}
	}
	if reg.InstanceID != expected.InstanceID {
		return HealthStatus{Condition: IdentityMismatch, Detail: fmt.Sprintf("instance id changed from %s to %s", expected.InstanceID, reg.InstanceID)}
	}
	if !reg.StartedAt.Equal(expected.StartedAt) {
		return HealthStatus{Condition: IdentityMismatch, Detail: "start time changed"}
	}
	if reg.FatalError != "" {
		return HealthStatus{Condition: DaemonFatal, Detail: reg.FatalError}
	}
	if !m.alive(reg.PID) {
		return HealthStatus{Condition: ProcessGone}
	}

	now := m.nowFunc()
	if !reg.Fresh(now, m.heartbeatTimeout) {
		return HealthStatus{Condition: HeartbeatStale, Age: now.Sub(reg.HeartbeatAt)}
	}
	if msg, found := m.tailer.FirstError(); found {
		return HealthStatus{Condition: LogError, Detail: msg}
	}
	if m.stallTimeout > 0 && !reg.LastTaskCompletedAt.IsZero() {
		if idle := now.Sub(reg.LastTaskCompletedAt); idle > m.stallTimeout {
			return HealthStatus{Condition: Stalled, Age: idle}
		}
	}
	return HealthStatus{Condition: Healthy}
}

// LogTailer reads lines appended to a file since the previous read. A file
// that was replaced or truncated is read again from the start.
type LogTailer struct {
	path   string
	offset int64
	info   os.FileInfo
}

// NewLogTailer returns a tailer positioned at the current end of path.
func NewLogTailer(path string) *LogTailer {
	t := &LogTailer{path: path}
	t.SkipToEnd()
	return t
}

// SkipToEnd forgets everything currently in the file.
func (t *LogTailer) SkipToEnd() {
	t.offset, t.info = 0, nil
	if fi, err := os.Stat(t.path); err == nil {
		t.offset, t.info = fi.Size(), fi
	}
}

// ReadNew returns complete lines appended since the last call.
func (t *LogTailer) ReadNew() ([]string, error) {
	fi, err := os.Stat(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", t.path, err)
	}
	if t.info == nil || !os.SameFile(t.info, fi) || fi.Size() < t.offset {
		t.offset = 0
	}
	t.info = fi
	if fi.Size() == t.offset {
		return nil, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", t.path, err)
	}

	var lines []string
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// a partial last line is picked up by the next read
			break
		}
		t.offset += int64(len(line))
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}
	return lines, nil
}

// FirstError returns the message of the first new error-level JSON line.
func (t *LogTailer) FirstError() (string, bool) {
	lines, err := t.ReadNew()
	if err != nil {
		return "", false
	}
	for _, line := range lines {
		if msg, ok := errorLine(line); ok {
			return msg, true
		}
	}
	return "", false
}

// errorLine recognizes zerolog's JSON error and fatal lines.
func errorLine(line string) (string, bool) {
	var entry struct {
		Level   string `json:"level"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return "", false
	}
	switch entry.Level {
	case "error", "fatal", "panic":
	default:
		return "", false
	}
	switch {
	case entry.Message != "" && entry.Error != "":
		return entry.Message + ": " + entry.Error, true
	case entry.Error != "":
		return entry.Error, true
	case entry.Message != "":
		return entry.Message, true
	}
	return line, true
}
