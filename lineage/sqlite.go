// ABOUTME: SQLite-backed lineage sink for queryable lineage storage across runs.
// ABOUTME: One row per finalized item record; hops are stored as a JSON column.
package lineage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteSink writes lineage records into a SQLite database so they can be
// queried after the run. The table is created on open.
type SqliteSink struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSqlite opens or creates a SQLite lineage database at the given path.
func OpenSqlite(path string) (*SqliteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS lineage (
			lineage_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			path TEXT NOT NULL,
			hops TEXT,
			truncated INTEGER NOT NULL DEFAULT 0,
			written_at TEXT NOT NULL,
			PRIMARY KEY (run_id, lineage_id)
		);
		CREATE INDEX IF NOT EXISTS idx_lineage_run ON lineage(run_id);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create lineage schema: %w", err)
	}
	return &SqliteSink{db: db}, nil
}

// Write upserts one lineage record. Re-finalizing the same item within a run
// (fan-out clones share an ID) keeps the latest record.
func (s *SqliteSink) Write(rec Record) error {
	hops, err := json.Marshal(rec.Hops)
	if err != nil {
		return fmt.Errorf("marshal hops: %w", err)
	}
	truncated := 0
	if rec.Truncated {
		truncated = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO lineage (lineage_id, run_id, path, hops, truncated, written_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, lineage_id) DO UPDATE SET
			path = excluded.path,
			hops = excluded.hops,
			truncated = excluded.truncated,
			written_at = excluded.written_at`,
		rec.ID.String(), rec.RunID, strings.Join(rec.Path, "/"), string(hops),
		truncated, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert lineage row: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SqliteSink) Close() error {
	return s.db.Close()
}

// CountForRun returns how many lineage rows exist for the given run.
func (s *SqliteSink) CountForRun(runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM lineage WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count lineage rows: %w", err)
	}
	return n, nil
}
