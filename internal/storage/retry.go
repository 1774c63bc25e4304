package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// TransientSignatures lists the error shapes that indicate transient contention.
// Extend it instead of touching call sites when a driver surfaces a new code.
type TransientSignatures struct {
	SQLiteCodes   []int    // primary result codes (extended codes are masked to their primary)
	PostgresCodes []string // SQLSTATE codes
	Messages      []string // case-insensitive substrings, for errors that lost their type
}

// DefaultTransientSignatures covers SQLite busy/locked and Postgres
// serialization, deadlock and lock-timeout failures.
func DefaultTransientSignatures() TransientSignatures {
	return TransientSignatures{
		SQLiteCodes: []int{sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED},
		PostgresCodes: []string{
			"40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
		},
		Messages: []string{
			"database is locked",
			"database table is locked",
			"sqlite_busy",
		},
	}
}

// Match reports whether err matches any signature.
func (s TransientSignatures) Match(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && slices.Contains(s.SQLiteCodes, sqliteErr.Code()&0xff) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && slices.Contains(s.PostgresCodes, pgErr.Code) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range s.Messages {
		if strings.Contains(msg, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// RetryPolicy bounds how storage operations are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; it doubles after that.
	BaseDelay time.Duration
	// Signatures decides which errors are worth retrying.
	Signatures TransientSignatures
	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry, if set, is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy is 5 attempts with backoff starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Signatures:  DefaultTransientSignatures(),
	}
}

// Retry runs fn until it succeeds, fails with a non-transient error, the
// context ends, or MaxAttempts calls have been made. Delays use exponential
// backoff with jitter strictly below the current base, so each wait is
// longer than the previous one.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	baseDelay := p.BaseDelay

	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if !p.Signatures.Match(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := baseDelay
		if baseDelay > 0 {
			delay += time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, serr
		}
		baseDelay *= 2
	}
	return zero, fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// RetryExec is Retry for operations that only return an error.
func RetryExec(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
