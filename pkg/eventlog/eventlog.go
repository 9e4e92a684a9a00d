// Package eventlog keeps the instance's SQLite audit trail: worker
// transitions, hook events, acceptances and remediation attempts. The daemon
// and overseer write through Log; status tools read through Reader.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"llmc/pkg/protocol"
)

// Event types.
const (
	TypeTransition  = "transition"
	TypeHookEvent   = "hook_event"
	TypeDropped     = "hook_dropped"
	TypeAccepted    = "accepted"
	TypeDaemonStart = "daemon_start"
	TypeDaemonStop  = "daemon_stop"
	TypeFatal       = "fatal"
	TypeHealth      = "health_failure"
	TypeRemediation = "remediation"
	TypeRestart     = "daemon_restart"
)

// timeLayout sorts lexicographically and matches the schema default.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Entry is one row of the event log.
type Entry struct {
	ID        int64
	Type      string
	Source    string // "daemon", "overseer" or "cli"
	Worker    string
	TaskID    string
	Payload   string
	CreatedAt time.Time
}

// Log appends entries to the event database.
type Log struct {
	db     *sql.DB
	source string
}

// Open opens (creating if needed) the event database at path and applies the
// schema. Entries recorded through the Log carry source.
func Open(ctx context.Context, path, source string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	// One writer connection; WAL lets readers proceed meanwhile.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on event log: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on event log: %w", err)
	}
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init event log schema: %w", err)
	}
	return &Log{db: db, source: source}, nil
}

// Record appends e. A zero CreatedAt means now.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Source == "" {
		e.Source = l.source
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (type, source, worker, task_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Type, e.Source, e.Worker, e.TaskID, e.Payload, e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", e.Type, err)
	}
	return nil
}

// Close releases the database.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
