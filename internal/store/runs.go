package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/water-monitor-etl/internal/domain"
)

// Status is the lifecycle state of a partition run.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Run is one attempt to compute a location's partition for a date.
type Run struct {
	ID            string     `json:"id"`
	PartitionDate time.Time  `json:"-"`
	LocationID    string     `json:"location_id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Status        Status     `json:"status"`
	RawKey        string     `json:"raw_key,omitempty"`
	MetricsRows   int        `json:"metrics_rows"`
	DeltaRows     int        `json:"delta_rows"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// Date renders the partition date as YYYY-MM-DD.
func (r Run) Date() string {
	return domain.FormatDate(r.PartitionDate)
}

// Succeed marks the run successful with its row counts.
func (r *Run) Succeed(rawKey string, metricsRows, deltaRows int) {
	r.Status = StatusSuccess
	r.RawKey = rawKey
	r.MetricsRows = metricsRows
	r.DeltaRows = deltaRows
	r.ErrorMessage = ""
}

// Fail marks the run failed with err's text.
func (r *Run) Fail(err error) {
	r.Status = StatusFailed
	if err != nil {
		r.ErrorMessage = err.Error()
	}
}

// StartRun records a new running attempt and returns it.
func (s *Store) StartRun(ctx context.Context, date time.Time, locationID string) (*Run, error) {
	run := &Run{
		ID:            uuid.NewString(),
		PartitionDate: domain.Day(date),
		LocationID:    locationID,
		StartedAt:     s.clock.Now().UTC(),
		Status:        StatusRunning,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partition_runs (id, partition_date, location_id, started_at, status)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.Date(), run.LocationID, formatTime(run.StartedAt), run.Status)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// CompleteRun stamps the finish time and persists the run's outcome.
func (s *Store) CompleteRun(ctx context.Context, run *Run) error {
	if run == nil {
		return nil
	}
	finished := s.clock.Now().UTC()
	run.FinishedAt = &finished

	res, err := s.db.ExecContext(ctx, `
		UPDATE partition_runs SET
			finished_at = ?,
			status = ?,
			raw_key = ?,
			metrics_rows = ?,
			delta_rows = ?,
			error_message = ?
		WHERE id = ?
	`, formatTime(finished), run.Status, run.RawKey, run.MetricsRows, run.DeltaRows, run.ErrorMessage, run.ID)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("complete run %s: no such run", run.ID)
	}
	return nil
}

// AbandonRunning marks runs left in the running state by a previous process
// as failed. It returns how many rows changed.
func (s *Store) AbandonRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE partition_runs SET status = ?, finished_at = ?, error_message = 'abandoned'
		WHERE status = ?
	`, StatusFailed, formatTime(s.clock.Now()), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("abandon running runs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const runColumns = `id, partition_date, location_id, started_at, finished_at, status,
	raw_key, metrics_rows, delta_rows, error_message`

// LastSuccessful returns the most recent successful run for the partition,
// or nil when there is none.
func (s *Store) LastSuccessful(ctx context.Context, date time.Time, locationID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM partition_runs
		WHERE partition_date = ? AND location_id = ? AND status = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, domain.FormatDate(date), locationID, StatusSuccess)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last successful run: %w", err)
	}
	return run, nil
}

// CompletedDates returns the distinct dates in [from, to] with at least one
// successful run, ascending.
func (s *Store) CompletedDates(ctx context.Context, locationID string, from, to time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT partition_date
		FROM partition_runs
		WHERE location_id = ? AND status = ? AND partition_date BETWEEN ? AND ?
		ORDER BY partition_date ASC
	`, locationID, StatusSuccess, domain.FormatDate(from), domain.FormatDate(to))
	if err != nil {
		return nil, fmt.Errorf("completed dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		d, err := domain.ParseDate(s)
		if err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM partition_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		run           Run
		date, started string
		finished      sql.NullString
		status        string
	)
	if err := sc.Scan(&run.ID, &date, &run.LocationID, &started, &finished, &status,
		&run.RawKey, &run.MetricsRows, &run.DeltaRows, &run.ErrorMessage); err != nil {
		return nil, err
	}
	run.Status = Status(status)

	var err error
	if run.PartitionDate, err = domain.ParseDate(date); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		run.FinishedAt = &t
	}
	return &run, nil
}
