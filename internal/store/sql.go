package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/airbag/pkg/models"
)

// sqlStore holds the queries SQLite and PostgreSQL share. Statements are
// written with '?' placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	numbered bool
}

const reportColumns = `id, report_key, host, executable, signal, partial, captured_at, received_at, body`

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) SaveReport(r *models.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	res, err := s.db.Exec(s.rebind(`
		INSERT INTO reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (report_key) DO NOTHING
	`), r.ID, r.Key(), r.Host, r.Executable, r.Signal, r.Partial,
		r.CapturedAt.UTC().UnixNano(), r.ReceivedAt.UTC().UnixNano(), string(body))
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	if n == 0 {
		return ErrDuplicateReport
	}
	return nil
}

func (s *sqlStore) GetReport(id string) (*models.Report, error) {
	var body string
	err := s.db.QueryRow(s.rebind(`SELECT body FROM reports WHERE id = ?`), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return decodeReport(body)
}

func (s *sqlStore) ListReports(filter models.ReportFilter) ([]*models.Report, error) {
	var (
		where []string
		args  []any
	)
	if filter.Signal != "" {
		where = append(where, "signal = ?")
		args = append(args, filter.Signal)
	}
	if filter.Host != "" {
		where = append(where, "host = ?")
		args = append(args, filter.Host)
	}
	if !filter.Since.IsZero() {
		where = append(where, "captured_at >= ?")
		args = append(args, filter.Since.UTC().UnixNano())
	}

	query := `SELECT body FROM reports`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY captured_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []*models.Report
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		r, err := decodeReport(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountBySignal() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT signal, COUNT(*) FROM reports GROUP BY signal`)
	if err != nil {
		return nil, fmt.Errorf("failed to count reports: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			sig string
			n   int
		)
		if err := rows.Scan(&sig, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[sig] = n
	}
	return counts, rows.Err()
}

func (s *sqlStore) DeleteReport(id string) error {
	res, err := s.db.Exec(s.rebind(`DELETE FROM reports WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReportNotFound
	}
	return nil
}

func (s *sqlStore) DeleteReportsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(s.rebind(`DELETE FROM reports WHERE captured_at < ?`), cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old reports: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck verifies database connectivity
func (s *sqlStore) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func decodeReport(body string) (*models.Report, error) {
	var r models.Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &r, nil
}
