package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	vacuums int
	err     error
}

func (s *fakeStore) DeleteReportsBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	return 3, s.err
}

func (s *fakeStore) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vacuums++
	return nil
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cutoffs)
}

func TestCleanupNowUsesRetention(t *testing.T) {
	st := &fakeStore{}
	m := NewManager(Config{Enabled: true, Retention: 48 * time.Hour}, st, nil)
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.CleanupNow()
	m.VacuumNow()

	require.Len(t, st.cutoffs, 1)
	assert.Equal(t, now.Add(-48*time.Hour), st.cutoffs[0])
	stats := m.Stats()
	assert.Equal(t, int64(3), stats.TotalDeleted)
	assert.Equal(t, int64(1), stats.TotalVacuumRuns)
	assert.Empty(t, stats.LastError)
}

func TestCleanupRecordsErrors(t *testing.T) {
	st := &fakeStore{err: errors.New("database is locked")}
	m := NewManager(Config{Enabled: true, Retention: time.Hour}, st, nil)

	m.CleanupNow()
	assert.Equal(t, "database is locked", m.Stats().LastError)
}

func TestLoopRunsUntilStopped(t *testing.T) {
	st := &fakeStore{}
	m := NewManager(Config{
		Enabled:         true,
		Retention:       time.Hour,
		CleanupInterval: 5 * time.Millisecond,
		InitialDelay:    time.Millisecond,
	}, st, nil)

	m.Start(context.Background())
	require.Eventually(t, func() bool { return st.calls() >= 2 }, time.Second, time.Millisecond)
	m.Stop()

	n := st.calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, st.calls(), "no runs after Stop")
}

func TestDisabledManagerDoesNothing(t *testing.T) {
	st := &fakeStore{}
	m := NewManager(Config{Enabled: false, Retention: time.Hour, CleanupInterval: time.Millisecond}, st, nil)
	m.Start(context.Background())
	m.Stop()
	assert.Zero(t, st.calls())
}
