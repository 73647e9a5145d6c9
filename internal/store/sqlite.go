package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps reports in a single SQLite file.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL lets the retention loop delete while handlers read; a single
	// connection serialises writers and avoids SQLITE_BUSY.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{sqlStore{db: db}}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		report_key TEXT NOT NULL UNIQUE,
		host TEXT NOT NULL DEFAULT '',
		executable TEXT NOT NULL DEFAULT '',
		signal TEXT NOT NULL,
		partial BOOLEAN NOT NULL DEFAULT 0,
		captured_at INTEGER NOT NULL,
		received_at INTEGER NOT NULL,
		body TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_captured ON reports(captured_at);
	CREATE INDEX IF NOT EXISTS idx_reports_signal ON reports(signal);
	CREATE INDEX IF NOT EXISTS idx_reports_host ON reports(host);
	`)
	return err
}

// Vacuum reclaims space left by deleted reports.
func (s *SQLiteStore) Vacuum() error {
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum: %w", err)
	}
	return nil
}
