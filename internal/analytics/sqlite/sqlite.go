package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/rotacap/rotacap-service/internal/analytics"
)

// Store implements analytics.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite analytics store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create analytics directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS verification_analytics (
	account_id INTEGER NOT NULL,
	date TEXT NOT NULL,
	total_sessions INTEGER NOT NULL DEFAULT 0,
	successful_verifications INTEGER NOT NULL DEFAULT 0,
	failed_verifications INTEGER NOT NULL DEFAULT 0,
	avg_attempts REAL NOT NULL DEFAULT 0,
	avg_error_degrees REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, date)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordOutcome upserts the day's row, folding the sample into the running
// means. Right-hand sides in DO UPDATE read the pre-update row, so
// total_sessions + 1 is the new sample count.
func (s *Store) RecordOutcome(ctx context.Context, o analytics.Outcome) error {
	if o.AccountID == 0 {
		return analytics.ErrAccountRequired
	}
	success, failure := 0, 1
	if o.Success {
		success, failure = 1, 0
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO verification_analytics(
	account_id, date, total_sessions, successful_verifications,
	failed_verifications, avg_attempts, avg_error_degrees)
VALUES(?, ?, 1, ?, ?, ?, ?)
ON CONFLICT(account_id, date) DO UPDATE SET
	total_sessions = total_sessions + 1,
	successful_verifications = successful_verifications + excluded.successful_verifications,
	failed_verifications = failed_verifications + excluded.failed_verifications,
	avg_attempts = avg_attempts + (excluded.avg_attempts - avg_attempts) / (total_sessions + 1),
	avg_error_degrees = avg_error_degrees + (excluded.avg_error_degrees - avg_error_degrees) / (total_sessions + 1)`,
		o.AccountID, o.Date.UTC().Format(analytics.DateFormat),
		success, failure, float64(o.Attempts), o.ErrorDegrees,
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// Range returns up to `days` most recent rows for the account, newest first.
func (s *Store) Range(ctx context.Context, accountID int64, days int) ([]analytics.DayStats, error) {
	if accountID == 0 {
		return nil, analytics.ErrAccountRequired
	}
	if days <= 0 {
		days = 30
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT account_id, date, total_sessions, successful_verifications,
	failed_verifications, avg_attempts, avg_error_degrees
FROM verification_analytics
WHERE account_id = ?
ORDER BY date DESC
LIMIT ?`, accountID, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []analytics.DayStats
	for rows.Next() {
		var d analytics.DayStats
		if err := rows.Scan(&d.AccountID, &d.Date, &d.TotalSessions, &d.Successful, &d.Failed, &d.AvgAttempts, &d.AvgErrorDegrees); err != nil {
			return nil, err
		}
		stats = append(stats, d)
	}
	return stats, rows.Err()
}

// Totals aggregates all rows for the account, weighting the per-day means
// by their session counts.
func (s *Store) Totals(ctx context.Context, accountID int64) (analytics.Totals, error) {
	if accountID == 0 {
		return analytics.Totals{}, analytics.ErrAccountRequired
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(total_sessions), 0),
	COALESCE(SUM(successful_verifications), 0),
	COALESCE(SUM(failed_verifications), 0),
	COALESCE(SUM(avg_attempts * total_sessions), 0),
	COALESCE(SUM(avg_error_degrees * total_sessions), 0)
FROM verification_analytics
WHERE account_id = ?`, accountID)

	var t analytics.Totals
	var attemptSum, errorSum float64
	if err := row.Scan(&t.TotalSessions, &t.Successful, &t.Failed, &attemptSum, &errorSum); err != nil {
		return analytics.Totals{}, err
	}
	if t.TotalSessions > 0 {
		t.AvgAttempts = attemptSum / float64(t.TotalSessions)
		t.AvgErrorDegrees = errorSum / float64(t.TotalSessions)
	}
	return t, nil
}
