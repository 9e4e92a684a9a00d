package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"llmc/pkg/protocol"

	"github.com/gofrs/flock"
)

// lockRetryDelay is the poll interval while waiting for the file lock.
const lockRetryDelay = 10 * time.Millisecond

// Store guards one state file.
type Store struct {
	path     string
	lockPath string

	mu sync.Mutex
}

// NewStore returns a store for the state file at path, locked through lockPath.
func NewStore(path, lockPath string) *Store {
	return &Store{path: path, lockPath: lockPath}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Load reads the state while holding the lock.
func (s *Store) Load(ctx context.Context) (*State, error) {
	var out *State
	err := s.locked(ctx, func() error {
		st, err := readState(s.path)
		out = st
		return err
	})
	return out, err
}

// WithLock loads the state, applies fn and persists the result, all under the
// lock. If fn returns an error nothing is written and the error is returned.
func (s *Store) WithLock(ctx context.Context, fn func(*State) error) error {
	return s.locked(ctx, func() error {
		st, err := readState(s.path)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		return WriteJSONAtomic(s.path, st)
	})
}

// Snapshot reads the state without taking the lock. The atomic replace in
// WithLock means the result is a complete, possibly slightly stale, state.
func (s *Store) Snapshot() (*State, error) {
	return readState(s.path)
}

func (s *Store) locked(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	fl := flock.New(s.lockPath)
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.lockPath, err)
	}
	if !ok {
		return fmt.Errorf("lock %s: not acquired", s.lockPath)
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}

func readState(path string) (*State, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path derived from instance root
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &protocol.StateCorruptionError{Path: path, Err: err}
	}
	for _, w := range st.Workers {
		if w == nil || w.Name == "" || !w.State.Valid() {
			return nil, &protocol.StateCorruptionError{Path: path, Err: fmt.Errorf("invalid worker record %+v", w)}
		}
	}
	return &st, nil
}

// WriteJSONAtomic writes v to path through a synced temp file in the same
// directory followed by a rename.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
