package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// DaemonRegistration is the daemon's liveness record, kept in its own file so
// heartbeats never contend for the state lock.
type DaemonRegistration struct {
	PID                 int       `json:"pid"`
	InstanceID          string    `json:"instance_id"`
	StartedAt           time.Time `json:"started_at"`
	HeartbeatAt         time.Time `json:"heartbeat_at"`
	LastTaskCompletedAt time.Time `json:"last_task_completed_at,omitzero"`
	FatalError          string    `json:"fatal_error,omitempty"`
	// MalformedHooks counts hook connections closed for unparseable input.
	MalformedHooks int `json:"malformed_hooks,omitempty"`
}

// Fresh reports whether the heartbeat is within timeout of now.
func (r *DaemonRegistration) Fresh(now time.Time, timeout time.Duration) bool {
	return r != nil && now.Sub(r.HeartbeatAt) <= timeout
}

// ReadDaemonRegistration returns the registration at path, or nil if the file
// does not exist.
func ReadDaemonRegistration(path string) (*DaemonRegistration, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path derived from instance root
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil //nolint:nilnil // absent registration is not an error
		}
		return nil, fmt.Errorf("read registration %s: %w", path, err)
	}
	var reg DaemonRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registration %s: %w", path, err)
	}
	return &reg, nil
}

// WriteDaemonRegistration atomically replaces the registration at path.
func WriteDaemonRegistration(path string, reg *DaemonRegistration) error {
	return WriteJSONAtomic(path, reg)
}

// RemoveDaemonRegistration deletes the registration. Missing files are fine.
func RemoveDaemonRegistration(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove registration %s: %w", path, err)
	}
	return nil
}
