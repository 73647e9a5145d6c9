// Package cleanup enforces report retention on the collector's store.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/airbag/pkg/logging"
)

// Config defines retention and maintenance intervals.
type Config struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
	CleanupInterval time.Duration `mapstructure:"interval" yaml:"interval"`
	VacuumInterval  time.Duration `mapstructure:"vacuum_interval" yaml:"vacuum_interval"`
	InitialDelay    time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
}

// DefaultConfig keeps reports for 30 days.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Retention:       30 * 24 * time.Hour,
		CleanupInterval: 6 * time.Hour,
		VacuumInterval:  7 * 24 * time.Hour,
		InitialDelay:    time.Minute,
	}
}

// Store is the part of the report store cleanup needs.
type Store interface {
	DeleteReportsBefore(cutoff time.Time) (int64, error)
	Vacuum() error
}

// Stats tracks cleanup runs.
type Stats struct {
	LastCleanupTime     time.Time     `json:"last_cleanup_time"`
	LastVacuumTime      time.Time     `json:"last_vacuum_time"`
	TotalDeleted        int64         `json:"total_deleted"`
	TotalVacuumRuns     int64         `json:"total_vacuum_runs"`
	LastCleanupDuration time.Duration `json:"last_cleanup_duration"`
	LastError           string        `json:"last_error,omitempty"`
}

// Manager deletes expired reports and vacuums the store periodically.
type Manager struct {
	cfg    Config
	store  Store
	logger *logging.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a manager; call Start to run it.
func NewManager(cfg Config, store Store, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger.WithField("component", "cleanup"),
		now:    time.Now,
	}
}

// Start begins the background loops.
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.Enabled || m.cfg.Retention <= 0 {
		m.logger.Info("Report retention disabled")
		return
	}

	m.logger.Info("Starting report retention", logging.Fields{
		"retention": m.cfg.Retention.String(),
		"interval":  m.cfg.CleanupInterval.String(),
	})

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx, m.cfg.InitialDelay, m.cfg.CleanupInterval, m.CleanupNow)
	if m.cfg.VacuumInterval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.cfg.VacuumInterval, m.cfg.VacuumInterval, m.VacuumNow)
	}
}

// Stop waits for the loops to exit. It is safe to call without Start.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context, first, every time.Duration, run func()) {
	defer m.wg.Done()

	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			run()
			timer.Reset(every)
		}
	}
}

// CleanupNow deletes every report older than the retention period.
func (m *Manager) CleanupNow() {
	start := m.now()
	cutoff := start.Add(-m.cfg.Retention)

	n, err := m.store.DeleteReportsBefore(cutoff)

	m.mu.Lock()
	m.stats.LastCleanupTime = start
	m.stats.LastCleanupDuration = time.Since(start)
	m.stats.TotalDeleted += n
	m.stats.LastError = ""
	if err != nil {
		m.stats.LastError = err.Error()
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Report cleanup failed", logging.Fields{"error": err})
		return
	}
	if n > 0 {
		m.logger.Info("Deleted expired reports", logging.Fields{"count": n, "cutoff": cutoff.UTC()})
	}
}

// VacuumNow runs store maintenance.
func (m *Manager) VacuumNow() {
	if err := m.store.Vacuum(); err != nil {
		m.logger.Error("Store vacuum failed", logging.Fields{"error": err})
		return
	}
	m.mu.Lock()
	m.stats.LastVacuumTime = m.now()
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
