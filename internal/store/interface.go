// Package store persists crash reports for the collector.
package store

import (
	"errors"
	"time"

	"github.com/psantana5/airbag/pkg/models"
)

// Store defines report persistence. SQLite, PostgreSQL and memory
// implementations share these semantics.
type Store interface {
	// SaveReport stores r. A report whose Key is already stored is rejected
	// with ErrDuplicateReport so retried uploads are idempotent.
	SaveReport(r *models.Report) error
	GetReport(id string) (*models.Report, error)
	// ListReports returns matching reports, most recently captured first.
	ListReports(filter models.ReportFilter) ([]*models.Report, error)
	CountBySignal() (map[string]int, error)
	DeleteReport(id string) error
	// DeleteReportsBefore removes reports captured before cutoff and returns
	// how many were removed.
	DeleteReportsBefore(cutoff time.Time) (int64, error)

	Close() error
	HealthCheck() error
	Vacuum() error
}

var (
	ErrReportNotFound      = errors.New("report not found")
	ErrDuplicateReport     = errors.New("report already stored")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Config holds database configuration
type Config struct {
	Type string `mapstructure:"type" yaml:"type"` // "sqlite", "postgres" or "memory"
	DSN  string `mapstructure:"dsn" yaml:"dsn"`   // file path for sqlite, connection string for postgres

	// PostgreSQL pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime,omitempty"`
}

// DefaultSQLitePath is used when a sqlite store has no DSN.
const DefaultSQLitePath = "airbag.db"

// NewStore creates a store based on configuration
func NewStore(cfg Config) (Store, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(cfg)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := cfg.DSN
		if path == "" {
			path = DefaultSQLitePath
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
