package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/rotacap/rotacap-service/internal/analytics"
)

// Store implements analytics.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed analytics store using the provided DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
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
	account_id BIGINT NOT NULL,
	date TEXT NOT NULL,
	total_sessions BIGINT NOT NULL DEFAULT 0,
	successful_verifications BIGINT NOT NULL DEFAULT 0,
	failed_verifications BIGINT NOT NULL DEFAULT 0,
	avg_attempts DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_error_degrees DOUBLE PRECISION NOT NULL DEFAULT 0,
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
// means. DO UPDATE right-hand sides read the pre-update row.
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
VALUES($1, $2, 1, $3, $4, $5, $6)
ON CONFLICT (account_id, date) DO UPDATE SET
	total_sessions = verification_analytics.total_sessions + 1,
	successful_verifications = verification_analytics.successful_verifications + EXCLUDED.successful_verifications,
	failed_verifications = verification_analytics.failed_verifications + EXCLUDED.failed_verifications,
	avg_attempts = verification_analytics.avg_attempts
		+ (EXCLUDED.avg_attempts - verification_analytics.avg_attempts) / (verification_analytics.total_sessions + 1),
	avg_error_degrees = verification_analytics.avg_error_degrees
		+ (EXCLUDED.avg_error_degrees - verification_analytics.avg_error_degrees) / (verification_analytics.total_sessions + 1)`,
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
WHERE account_id = $1
ORDER BY date DESC
LIMIT $2`, accountID, days)
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

// Totals aggregates all rows for the account, weighting per-day means by
// session counts.
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
WHERE account_id = $1`, accountID)

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
