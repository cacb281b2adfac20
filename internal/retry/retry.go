// SPDX-License-Identifier: MIT

// Package retry wraps operations against remote handles with bounded
// exponential backoff and full jitter. A failed remote call can leave its
// handle unusable, so every attempt obtains a fresh handle.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/kilocode/cloudagent/internal/log"
)

// Retryable is implemented by errors whose origin explicitly marked them
// safe to retry. Retryability is never inferred from error text: message
// formats are not a stable contract.
type Retryable interface {
	Retryable() bool
}

// Error is a convenience implementation of Retryable for adapters that
// talk to remote systems.
type Error struct {
	Err   error
	Retry bool
}

func (e *Error) Error() string   { return e.Err.Error() }
func (e *Error) Unwrap() error   { return e.Err }
func (e *Error) Retryable() bool { return e.Retry }

// IsRetryable reports whether err is explicitly marked retryable.
func IsRetryable(err error) bool {
	for err != nil {
		if r, ok := err.(Retryable); ok {
			return r.Retryable()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig matches the remote-call defaults used across the service.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// WithRetry runs op against a freshly obtained handle, retrying errors the
// remote system marked retryable. Backoff between attempts is
// min(MaxBackoff, BaseBackoff * 2^attempt * random()): full jitter, not
// capped-then-jittered. The last error is returned once attempts are
// exhausted; non-retryable errors propagate immediately.
func WithRetry[H any](ctx context.Context, getHandle func(ctx context.Context) (H, error), op func(ctx context.Context, h H) error, name string, cfg Config) error {
	cfg = cfg.withDefaults()
	logger := log.WithComponentFromContext(ctx, "retry")

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := jitterBackoff(cfg, attempt)
			logger.Debug().
				Str(log.FieldEvent, "retry.backoff").
				Str("operation", name).
				Int(log.FieldAttempt, attempt).
				Dur("backoff", backoff).
				Msg("retrying after backoff")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		handle, err := getHandle(ctx)
		if err != nil {
			lastErr = err
			if !IsRetryable(err) {
				return err
			}
			continue
		}

		if err := op(ctx, handle); err != nil {
			lastErr = err
			if !IsRetryable(err) {
				return err
			}
			continue
		}
		return nil
	}

	logger.Warn().
		Err(lastErr).
		Str(log.FieldEvent, "retry.exhausted").
		Str("operation", name).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("retry attempts exhausted")
	return lastErr
}

// jitterBackoff computes min(MaxBackoff, BaseBackoff * 2^attempt * rand).
// The jitter applies to the uncapped exponential, and only the result is
// clamped.
func jitterBackoff(cfg Config, attempt int) time.Duration {
	backoff := time.Duration(rand.Float64() * float64(cfg.BaseBackoff<<uint(attempt)))
	if backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	return backoff
}
