package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStore keeps reports in PostgreSQL for collectors that share a
// database.
type PostgreSQLStore struct {
	sqlStore
}

// NewPostgreSQLStore connects using cfg.DSN.
func NewPostgreSQLStore(cfg Config) (*PostgreSQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgreSQLStore{sqlStore{db: db, numbered: true}}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (s *PostgreSQLStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		report_key TEXT NOT NULL UNIQUE,
		host TEXT NOT NULL DEFAULT '',
		executable TEXT NOT NULL DEFAULT '',
		signal TEXT NOT NULL,
		partial BOOLEAN NOT NULL DEFAULT FALSE,
		captured_at BIGINT NOT NULL,
		received_at BIGINT NOT NULL,
		body JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_captured ON reports(captured_at);
	CREATE INDEX IF NOT EXISTS idx_reports_signal ON reports(signal);
	CREATE INDEX IF NOT EXISTS idx_reports_host ON reports(host);
	`)
	return err
}

// Vacuum refreshes planner statistics and reclaims dead tuples.
func (s *PostgreSQLStore) Vacuum() error {
	if _, err := s.db.Exec("VACUUM ANALYZE reports"); err != nil {
		return fmt.Errorf("failed to vacuum: %w", err)
	}
	return nil
}
