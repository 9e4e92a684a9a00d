package protocol

// SchemaDDL defines the SQLite schema of the instance event log.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Audit trail: worker transitions, dispatches, acceptances, remediation
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    worker TEXT,
    task_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`
