package execlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
    exec_id TEXT PRIMARY KEY,
    trace_id TEXT,
    pip TEXT,
    description TEXT,
    state TEXT NOT NULL,
    exit_code INTEGER,
    outputs INTEGER DEFAULT 0,
    violations INTEGER DEFAULT 0,
    duration_ms INTEGER,
    error TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS uploads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    hash TEXT NOT NULL,
    size INTEGER,
    chunks INTEGER,
    result TEXT NOT NULL,
    duration_ms INTEGER,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    payload TEXT,
    synced INTEGER DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_unsynced ON events(synced) WHERE synced = 0;
CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);
`

// Execution is one journaled ExecProcess call.
type Execution struct {
	ExecID      string `json:"exec_id"`
	TraceID     string `json:"trace_id,omitempty"`
	Pip         string `json:"pip"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
	ExitCode    int    `json:"exit_code"`
	Outputs     int    `json:"outputs"`
	Violations  int    `json:"violations"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Upload is one journaled StoreFile stream.
type Upload struct {
	Hash       string `json:"hash"`
	Size       int64  `json:"size"`
	Chunks     int    `json:"chunks"`
	Result     string `json:"result"`
	DurationMs int64  `json:"duration_ms"`
}

// Event is a journal row awaiting publication.
type Event struct {
	ID        int64
	Type      string
	Payload   string
	CreatedAt string
}

// Journal is the worker's local SQLite record of executions and uploads.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordExecution stores an execution and queues an event for it.
func (j *Journal) RecordExecution(e Execution) error {
	_, err := j.db.Exec(
		`INSERT OR REPLACE INTO executions (exec_id, trace_id, pip, description, state, exit_code, outputs, violations, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ExecID, e.TraceID, e.Pip, e.Description, e.State, e.ExitCode, e.Outputs, e.Violations, e.DurationMs, e.Error)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return j.LogEvent("execution", e)
}

// RecordUpload stores an upload and queues an event for it.
func (j *Journal) RecordUpload(u Upload) error {
	_, err := j.db.Exec(
		`INSERT INTO uploads (hash, size, chunks, result, duration_ms) VALUES (?, ?, ?, ?, ?)`,
		u.Hash, u.Size, u.Chunks, u.Result, u.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to record upload: %w", err)
	}
	return j.LogEvent("upload", u)
}

// LogEvent records a generic event.
func (j *Journal) LogEvent(eventType string, payload interface{}) error {
	data, _ := json.Marshal(payload)
	_, err := j.db.Exec(`INSERT INTO events (type, payload) VALUES (?, ?)`, eventType, string(data))
	return err
}

// RecentExecutions returns up to limit executions, newest first.
func (j *Journal) RecentExecutions(limit int) ([]Execution, error) {
	rows, err := j.db.Query(
		`SELECT exec_id, COALESCE(trace_id, ''), COALESCE(pip, ''), COALESCE(description, ''), state,
		        COALESCE(exit_code, 0), outputs, violations, COALESCE(duration_ms, 0), COALESCE(error, ''), created_at
		 FROM executions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ExecID, &e.TraceID, &e.Pip, &e.Description, &e.State,
			&e.ExitCode, &e.Outputs, &e.Violations, &e.DurationMs, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UploadCount returns the number of uploads recorded with the given result.
func (j *Journal) UploadCount(result string) (int, error) {
	var n int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM uploads WHERE result = ?`, result).Scan(&n)
	return n, err
}

// UnsyncedEvents returns events that haven't been published yet.
func (j *Journal) UnsyncedEvents(limit int) ([]Event, error) {
	rows, err := j.db.Query(
		`SELECT id, type, payload, created_at FROM events WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkSynced marks the given event IDs as published.
func (j *Journal) MarkSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE events SET synced = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Prune deletes published events older than the retention window.
func (j *Journal) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format("2006-01-02 15:04:05")
	res, err := j.db.Exec(`DELETE FROM events WHERE synced = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
