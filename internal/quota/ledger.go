// Package quota enforces the per-user daily deliberation cap.
//
// The ledger itself holds no state. Every check-and-increment is delegated to
// a Counter that performs the read, the limit check and the write as one
// atomic operation against its backing store, so concurrent requests for the
// same user and day can never both pass the limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"council-agent/internal/clock"
)

// DefaultDailyLimit is the number of accepted deliberations per user per local day.
const DefaultDailyLimit = 10

// ErrLimitReached is returned by a Counter when the stored count is already
// at the limit. Nothing is written in that case.
var ErrLimitReached = errors.New("quota: daily limit reached")

// Counter atomically increments the usage count for (userID, dateKey) unless
// it has already reached limit, and returns the new count.
type Counter interface {
	IncrementBelow(ctx context.Context, userID, dateKey string, limit int, now time.Time) (int, error)
}

// ExceededError reports an exhausted daily quota.
type ExceededError struct {
	Limit   int
	ResetAt string
	ResetIn time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: daily limit of %d exceeded, resets at %s", e.Limit, e.ResetAt)
}

func (e *ExceededError) Unwrap() error { return ErrLimitReached }

// Ledger binds a Counter to the local calendar and a daily limit.
type Ledger struct {
	counter Counter
	limit   int
	now     func() time.Time
}

type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func NewLedger(c Counter, limit int, opts ...Option) (*Ledger, error) {
	if c == nil {
		return nil, errors.New("quota: counter must not be nil")
	}
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	l := &Ledger{counter: c, limit: limit, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Limit returns the configured daily limit.
func (l *Ledger) Limit() int { return l.limit }

// CheckAndIncrement counts one accepted request for userID today. It returns
// the new count, or an *ExceededError when the day's quota is used up.
func (l *Ledger) CheckAndIncrement(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("quota: user id must not be empty")
	}
	now := l.now()
	dateKey := clock.LocalDateKey(now)

	n, err := l.counter.IncrementBelow(ctx, userID, dateKey, l.limit, now)
	if errors.Is(err, ErrLimitReached) {
		return 0, &ExceededError{
			Limit:   l.limit,
			ResetAt: clock.LocalRolloverInstant(now),
			ResetIn: clock.NextLocalMidnight(now).Sub(now),
		}
	}
	if err != nil {
		return 0, fmt.Errorf("quota: increment %s/%s: %w", userID, dateKey, err)
	}
	return n, nil
}
