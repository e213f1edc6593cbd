package cas

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opensandbox/pipagent/pkg/types"
)

const metaSchema = `
CREATE TABLE IF NOT EXISTS content (
    hash TEXT PRIMARY KEY,
    size INTEGER NOT NULL,
    pins INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    last_access TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS put_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    hash TEXT NOT NULL,
    source TEXT,
    size INTEGER NOT NULL,
    verified INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_put_log_hash ON put_log(hash);
`

type metaDB struct {
	db *sql.DB
}

func openMeta(path string) (*metaDB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if _, err := db.Exec(metaSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &metaDB{db: db}, nil
}

func (m *metaDB) close() error { return m.db.Close() }

// touch records that hash is present, adding pins to its liveness counter.
func (m *metaDB) touch(hash types.ContentHash, size int64, pins int) error {
	_, err := m.db.Exec(`
INSERT INTO content (hash, size, pins) VALUES (?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET pins = pins + excluded.pins, last_access = datetime('now')`,
		hash.String(), size, pins)
	if err != nil {
		return fmt.Errorf("record content %s: %w", hash.Short(), err)
	}
	return nil
}

func (m *metaDB) logPut(hash types.ContentHash, source string, size int64, verified bool) error {
	_, err := m.db.Exec(
		`INSERT INTO put_log (hash, source, size, verified) VALUES (?, ?, ?, ?)`,
		hash.String(), source, size, verified)
	if err != nil {
		return fmt.Errorf("log put %s: %w", hash.Short(), err)
	}
	return nil
}

func (m *metaDB) pins(hash types.ContentHash) (int64, error) {
	var n int64
	err := m.db.QueryRow(`SELECT pins FROM content WHERE hash = ?`, hash.String()).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// Stats summarizes the store.
type Stats struct {
	Blobs int64 `json:"blobs"`
	Bytes int64 `json:"bytes"`
	Pins  int64 `json:"pins"`
	Puts  int64 `json:"puts"`
}

func (m *metaDB) stats() (Stats, error) {
	var s Stats
	err := m.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(pins), 0) FROM content`).
		Scan(&s.Blobs, &s.Bytes, &s.Pins)
	if err != nil {
		return s, fmt.Errorf("query content stats: %w", err)
	}
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM put_log`).Scan(&s.Puts); err != nil {
		return s, fmt.Errorf("query put stats: %w", err)
	}
	return s, nil
}
