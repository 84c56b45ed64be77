// Package scheduler executes recurring and deferred payments. A driver
// loop polls for due schedules and pushes each one through the ledger
// as a SUBSCRIPTION transfer, with per-execution idempotency keys so a
// crashed driver never double-pays.
package scheduler

import (
	"time"

	"github.com/lucytrasero/ROBOX-sub001/internal/ledger"
)

// Schedule kinds.
const (
	KindOneTime  = "ONE_TIME"
	KindInterval = "INTERVAL"
	KindDaily    = "DAILY"
	KindWeekly   = "WEEKLY"
	KindMonthly  = "MONTHLY"
)

// Scheduled payment status values.
const (
	StatusPending   = "PENDING"
	StatusActive    = "ACTIVE"
	StatusPaused    = "PAUSED"
	StatusCompleted = "COMPLETED"
	StatusExpired   = "EXPIRED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Schedule describes when a payment fires. All calendar fields are in
// UTC.
type Schedule struct {
	Kind       string     `json:"kind"`
	ExecuteAt  *time.Time `json:"executeAt,omitempty"`  // ONE_TIME
	IntervalMs int64      `json:"intervalMs,omitempty"` // INTERVAL
	DayOfWeek  int        `json:"dayOfWeek,omitempty"`  // WEEKLY, 0 = Sunday
	DayOfMonth int        `json:"dayOfMonth,omitempty"` // MONTHLY, 1..31
	Hour       int        `json:"hour,omitempty"`
	Minute     int        `json:"minute,omitempty"`
}

// Validate checks the schedule's fields for its kind.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindOneTime:
		if s.ExecuteAt == nil {
			return ledger.Errorf(ledger.CodeValidation, "ONE_TIME schedule needs executeAt")
		}
	case KindInterval:
		if s.IntervalMs < 1000 {
			return ledger.Errorf(ledger.CodeValidation, "interval must be at least 1000ms")
		}
	case KindDaily:
	case KindWeekly:
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			return ledger.Errorf(ledger.CodeValidation, "dayOfWeek %d out of range", s.DayOfWeek)
		}
	case KindMonthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return ledger.Errorf(ledger.CodeValidation, "dayOfMonth %d out of range", s.DayOfMonth)
		}
	default:
		return ledger.Errorf(ledger.CodeValidation, "unknown schedule kind %q", s.Kind)
	}
	if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
		return ledger.Errorf(ledger.CodeValidation, "time of day %02d:%02d out of range", s.Hour, s.Minute)
	}
	return nil
}

// NextExecution returns the first firing time strictly after the given
// instant. ok is false when the schedule has no further firings.
func (s Schedule) NextExecution(after time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindOneTime:
		if s.ExecuteAt == nil || !s.ExecuteAt.After(after) {
			return time.Time{}, false
		}
		return *s.ExecuteAt, true

	case KindInterval:
		return after.Add(time.Duration(s.IntervalMs) * time.Millisecond), true

	case KindDaily:
		u := after.UTC()
		next := time.Date(u.Year(), u.Month(), u.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
		if !next.After(u) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true

	case KindWeekly:
		u := after.UTC()
		next := time.Date(u.Year(), u.Month(), u.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
		days := (s.DayOfWeek - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(u) {
			next = next.AddDate(0, 0, 7)
		}
		return next, true

	case KindMonthly:
		u := after.UTC()
		next := monthlyOccurrence(u.Year(), u.Month(), s.DayOfMonth, s.Hour, s.Minute)
		if !next.After(u) {
			y, m := u.Year(), u.Month()+1
			next = monthlyOccurrence(y, m, s.DayOfMonth, s.Hour, s.Minute)
		}
		return next, true
	}
	return time.Time{}, false
}

// monthlyOccurrence places day-of-month within the given month,
// clamping to its last day (Jan 31 -> Feb 28).
func monthlyOccurrence(year int, month time.Month, day, hour, minute int) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

// ScheduledPayment is a stored recurring or deferred payment.
type ScheduledPayment struct {
	ID             string            `json:"id"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	Amount         string            `json:"amount"`
	Type           string            `json:"type"`
	Meta           map[string]string `json:"meta,omitempty"`
	Schedule       Schedule          `json:"schedule"`
	Status         string            `json:"status"`
	Enabled        bool              `json:"enabled"`
	ExecutionCount int               `json:"executionCount"`
	FailureCount   int               `json:"failureCount"`
	LastError      string            `json:"lastError,omitempty"`
	NextExecuteAt  *time.Time        `json:"nextExecuteAt,omitempty"`
	LastExecutedAt *time.Time        `json:"lastExecutedAt,omitempty"`
	MaxExecutions  int               `json:"maxExecutions,omitempty"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// terminal reports whether the payment can never fire again.
func (p *ScheduledPayment) terminal() bool {
	switch p.Status {
	case StatusCompleted, StatusExpired, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Filter selects scheduled payments.
type Filter struct {
	AccountID string
	Status    string
	Limit     int
}
