package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds a retry loop with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultSQLiteRetry is used for writes that may hit SQLITE_BUSY.
var DefaultSQLiteRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay * time.Duration(1<<(attempt-1))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetrySQLite runs op until it succeeds, fails with a non-conflict error, or
// the policy is exhausted. Only SQLite lock conflicts are retried.
func RetrySQLite(ctx context.Context, policy RetryPolicy, name string, op func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !IsSQLiteConflictError(err) || attempt == attempts {
			break
		}
		delay := policy.Backoff(attempt)
		slog.Debug("sqlite conflict, retrying", "operation", name, "attempt", attempt, "delay", delay)
		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("%s: %w", name, sleepErr)
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
