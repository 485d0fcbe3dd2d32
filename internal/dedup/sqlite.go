// Package dedup tracks uploaded content hashes across sessions.
package dedup

import (
	"database/sql"
	"errors"
	"fmt"

	"dtup/internal/core"
	"dtup/internal/dedup/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteIndex implements core.DuplicateIndex on an append-only SQLite table.
// Records are only inserted and queried, never updated, so no locking beyond
// SQLite's own is needed even with parallel workers appending.
type SQLiteIndex struct {
	db   *sql.DB
	path string
}

var _ core.DuplicateIndex = (*SQLiteIndex)(nil)

// NewSQLiteIndex opens (creating and migrating if needed) the index at path.
// path can be ":memory:" for an ephemeral index.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating duplicate index: %w", err)
	}
	return &SQLiteIndex{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the index relies on. Exported for tests that need a raw connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duplicate index: %w", err)
	}

	// Concurrent workers append while others query; WAL plus a busy
	// timeout keeps appends from failing under contention.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Check classifies hash against recorded uploads. A record from the current
// session wins over other sessions; among other sessions a completed outcome
// wins over a failed one.
func (i *SQLiteIndex) Check(hash, sessionID string) (core.DuplicateVerdict, error) {
	row := i.db.QueryRow(`
		SELECT session_id, file_path, outcome
		FROM upload_records
		WHERE content_hash = ?
		ORDER BY (session_id = ?) DESC, (outcome = 'completed') DESC
		LIMIT 1`,
		hash, sessionID)

	var recSession, recPath, recOutcome string
	if err := row.Scan(&recSession, &recPath, &recOutcome); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.DuplicateVerdict{Kind: core.NewFile}, nil
		}
		return core.DuplicateVerdict{}, fmt.Errorf("querying duplicate index: %w", err)
	}

	if recSession == sessionID {
		return core.DuplicateVerdict{
			Kind: core.SeenThisSession,
			Path: recPath,
		}, nil
	}
	return core.DuplicateVerdict{
		Kind:      core.SeenOtherSession,
		SessionID: recSession,
		Path:      recPath,
		Outcome:   core.DuplicateOutcome(recOutcome),
	}, nil
}

// Record appends an upload outcome. Re-inserting the same tuple is a no-op.
func (i *SQLiteIndex) Record(hash, sessionID, path string, outcome core.DuplicateOutcome) error {
	_, err := i.db.Exec(`
		INSERT OR IGNORE INTO upload_records (content_hash, session_id, file_path, outcome)
		VALUES (?, ?, ?, ?)`,
		hash, sessionID, path, string(outcome))
	if err != nil {
		return fmt.Errorf("appending duplicate record: %w", err)
	}
	return nil
}

func (i *SQLiteIndex) Close() error {
	return i.db.Close()
}
