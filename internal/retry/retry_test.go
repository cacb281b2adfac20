// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestWithRetry_FreshHandlePerAttempt(t *testing.T) {
	handles := 0
	getHandle := func(ctx context.Context) (int, error) {
		handles++
		return handles, nil
	}

	seen := []int{}
	err := WithRetry(context.Background(), getHandle, func(ctx context.Context, h int) error {
		seen = append(seen, h)
		if h < 3 {
			return &Error{Err: errors.New("transient"), Retry: true}
		}
		return nil
	}, "test-op", fastConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Each attempt must have received a distinct, freshly obtained handle.
	if len(seen) != 3 || seen[0] == seen[1] || seen[1] == seen[2] {
		t.Errorf("handles seen: %v", seen)
	}
}

func TestWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	permanent := &Error{Err: errors.New("bad input"), Retry: false}
	err := WithRetry(context.Background(),
		func(ctx context.Context) (struct{}, error) { return struct{}{}, nil },
		func(ctx context.Context, _ struct{}) error {
			calls++
			return permanent
		}, "test-op", fastConfig())
	if !errors.Is(err, permanent) {
		t.Fatalf("got %v, want the permanent error", err)
	}
	if calls != 1 {
		t.Errorf("operation ran %d times, want 1", calls)
	}
}

func TestWithRetry_UnmarkedErrorIsNotRetried(t *testing.T) {
	calls := 0
	// The error text says "retry" but carries no retryable flag; text must
	// never be sniffed.
	err := WithRetry(context.Background(),
		func(ctx context.Context) (struct{}, error) { return struct{}{}, nil },
		func(ctx context.Context, _ struct{}) error {
			calls++
			return errors.New("please retry: temporarily unavailable")
		}, "test-op", fastConfig())
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("operation ran %d times, want 1", calls)
	}
}

func TestWithRetry_ExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(),
		func(ctx context.Context) (struct{}, error) { return struct{}{}, nil },
		func(ctx context.Context, _ struct{}) error {
			calls++
			return &Error{Err: fmt.Errorf("attempt %d failed", calls), Retry: true}
		}, "test-op", fastConfig())
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Errorf("operation ran %d times, want 3", calls)
	}
	if err.Error() != "attempt 3 failed" {
		t.Errorf("got %q, want the last error", err)
	}
}

func TestWithRetry_ContextCancelAbortsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := WithRetry(ctx,
		func(ctx context.Context) (struct{}, error) { return struct{}{}, nil },
		func(ctx context.Context, _ struct{}) error {
			cancel()
			return &Error{Err: errors.New("transient"), Retry: true}
		}, "test-op", Config{MaxAttempts: 3, BaseBackoff: time.Hour, MaxBackoff: time.Hour})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestIsRetryable_Wrapped(t *testing.T) {
	inner := &Error{Err: errors.New("io"), Retry: true}
	wrapped := fmt.Errorf("calling actor: %w", inner)
	if !IsRetryable(wrapped) {
		t.Error("wrapped retryable error not detected")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain error reported retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil reported retryable")
	}
}
