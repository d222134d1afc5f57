package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Config controls the bounded retry loop shared by the allocator and the
// ledger. Zero values fall back to 3 attempts with a 50-300ms backoff.
type Config struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the standard policy for short transactional conflicts.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		MinBackoff:  50 * time.Millisecond,
		MaxBackoff:  300 * time.Millisecond,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	return c
}

// Do runs fn up to cfg.MaxAttempts times, sleeping a randomized backoff
// between attempts. An error for which retryable returns false aborts
// immediately; the last error is returned once attempts are exhausted.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	cfg = cfg.normalized()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable == nil || !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(cfg)):
		}
	}
	return lastErr
}

func backoff(cfg Config) time.Duration {
	span := cfg.MaxBackoff - cfg.MinBackoff
	if span <= 0 {
		return cfg.MinBackoff
	}
	return cfg.MinBackoff + time.Duration(rand.Int63n(int64(span)))
}

// Postgres error codes raised by write-write conflicts.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// IsConflict reports whether err is a transient store conflict worth
// retrying: a unique violation from a race, a serialization failure, or a
// deadlock. Anything else is treated as permanent.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
			return true
		}
		return false
	}

	// Fallback for drivers that surface conflicts as plain strings.
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "deadlock")
}
