package store

import (
	"sort"
	"sync"
	"time"

	"github.com/psantana5/airbag/pkg/models"
)

// MemoryStore keeps reports in process memory. Used by tests and by
// collectors that do not need reports to survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*models.Report
	keys    map[string]string // report key -> id
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[string]*models.Report),
		keys:    make(map[string]string),
	}
}

func (s *MemoryStore) SaveReport(r *models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Key()
	if _, ok := s.keys[key]; ok {
		return ErrDuplicateReport
	}
	cp := *r
	s.reports[r.ID] = &cp
	s.keys[key] = r.ID
	return nil
}

func (s *MemoryStore) GetReport(id string) (*models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListReports(filter models.ReportFilter) ([]*models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Report, 0, len(s.reports))
	for _, r := range s.reports {
		if filter.Signal != "" && r.Signal != filter.Signal {
			continue
		}
		if filter.Host != "" && r.Host != filter.Host {
			continue
		}
		if !filter.Since.IsZero() && r.CapturedAt.Before(filter.Since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.After(out[j].CapturedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountBySignal() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, r := range s.reports {
		counts[r.Signal]++
	}
	return counts, nil
}

func (s *MemoryStore) DeleteReport(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[id]
	if !ok {
		return ErrReportNotFound
	}
	delete(s.keys, r.Key())
	delete(s.reports, id)
	return nil
}

func (s *MemoryStore) DeleteReportsBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.reports {
		if r.CapturedAt.Before(cutoff) {
			delete(s.keys, r.Key())
			delete(s.reports, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error       { return nil }
func (s *MemoryStore) HealthCheck() error { return nil }
func (s *MemoryStore) Vacuum() error      { return nil }
