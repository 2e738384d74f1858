// Package analytics rolls verification outcomes into per-account daily
// counters. The orchestrator records exactly one outcome per session, at
// its terminal transition; the usage API reads the rollups back out.
package analytics

import (
	"context"
	"errors"
	"time"
)

// DateFormat is the canonical day key, UTC.
const DateFormat = "2006-01-02"

// Outcome is one terminal session result to fold into the day's row.
type Outcome struct {
	AccountID    int64
	Date         time.Time
	Success      bool
	ErrorDegrees float64
	Attempts     int
}

// DayStats is a single (account, day) rollup row. Averages are running
// means maintained incrementally on each recorded outcome.
type DayStats struct {
	AccountID       int64   `json:"-"`
	Date            string  `json:"date"`
	TotalSessions   int64   `json:"total_sessions"`
	Successful      int64   `json:"successful_verifications"`
	Failed          int64   `json:"failed_verifications"`
	AvgAttempts     float64 `json:"avg_attempts"`
	AvgErrorDegrees float64 `json:"avg_error_degrees"`
}

// Totals aggregates an account's rollups across all days.
type Totals struct {
	TotalSessions   int64   `json:"total_sessions"`
	Successful      int64   `json:"successful_verifications"`
	Failed          int64   `json:"failed_verifications"`
	AvgAttempts     float64 `json:"avg_attempts"`
	AvgErrorDegrees float64 `json:"avg_error_degrees"`
}

// ErrAccountRequired rejects outcomes and queries without an account id.
var ErrAccountRequired = errors.New("analytics requires account id")

// Store persists daily verification rollups.
type Store interface {
	// RecordOutcome upserts the (account, day) row: counters increment,
	// averages fold in the new sample. One call per terminal session.
	RecordOutcome(ctx context.Context, o Outcome) error

	// Range returns up to `days` most recent rows for the account,
	// newest first.
	Range(ctx context.Context, accountID int64, days int) ([]DayStats, error)

	// Totals aggregates all of the account's rows.
	Totals(ctx context.Context, accountID int64) (Totals, error)

	Close() error
}
