// SPDX-License-Identifier: MIT

package callback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func stubTarget(t *testing.T, status int, capture *http.Request) Target {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			*capture = *r.Clone(r.Context())
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return Target{URL: srv.URL}
}

func testJob(target Target) Job {
	return Job{
		Target: target,
		Payload: Payload{
			SessionID:           "sess_1",
			CloudAgentSessionID: "sess_1",
			ExecutionID:         "exc_1",
			Status:              "completed",
		},
	}
}

func TestDeliver_RetryBackoffSchedule(t *testing.T) {
	d := NewDeliverer(zerolog.Nop())
	target := stubTarget(t, http.StatusServiceUnavailable, nil)

	tests := []struct {
		attempt   int
		wantType  VerdictType
		wantDelay time.Duration
	}{
		{1, VerdictRetry, 60 * time.Second},
		{2, VerdictRetry, 120 * time.Second},
		{3, VerdictRetry, 240 * time.Second},
		{4, VerdictRetry, 480 * time.Second},
		{5, VerdictFailed, 0}, // MaxAttempts reached; retryable status no longer retries
	}
	for _, tc := range tests {
		v := d.Deliver(context.Background(), testJob(target), tc.attempt)
		if v.Type != tc.wantType {
			t.Errorf("attempt %d: verdict %q, want %q", tc.attempt, v.Type, tc.wantType)
		}
		if v.Delay != tc.wantDelay {
			t.Errorf("attempt %d: delay %v, want %v", tc.attempt, v.Delay, tc.wantDelay)
		}
	}
}

func TestDeliver_NonRetryable4xx(t *testing.T) {
	d := NewDeliverer(zerolog.Nop())
	target := stubTarget(t, http.StatusBadRequest, nil)

	v := d.Deliver(context.Background(), testJob(target), 1)
	if v.Type != VerdictFailed {
		t.Fatalf("verdict %q, want failed on first attempt", v.Type)
	}
	if v.Err == "" {
		t.Error("failed verdict must carry a descriptive error")
	}
}

func TestDeliver_429IsRetryable(t *testing.T) {
	d := NewDeliverer(zerolog.Nop())
	target := stubTarget(t, http.StatusTooManyRequests, nil)

	v := d.Deliver(context.Background(), testJob(target), 1)
	if v.Type != VerdictRetry {
		t.Errorf("verdict %q, want retry for 429", v.Type)
	}
}

func TestDeliver_Success(t *testing.T) {
	d := NewDeliverer(zerolog.Nop())
	var captured http.Request
	target := stubTarget(t, http.StatusAccepted, &captured)
	target.Headers = map[string]string{"Authorization": "Bearer cb-secret"}

	v := d.Deliver(context.Background(), testJob(target), 1)
	if v.Type != VerdictSuccess {
		t.Fatalf("verdict %q, want success", v.Type)
	}
	if got := captured.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := captured.Header.Get("Authorization"); got != "Bearer cb-secret" {
		t.Errorf("merged header missing, got %q", got)
	}
}

func TestDeliver_NetworkErrorIsRetryable(t *testing.T) {
	d := NewDeliverer(zerolog.Nop())
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	v := d.Deliver(context.Background(), testJob(Target{URL: url}), 1)
	if v.Type != VerdictRetry {
		t.Errorf("verdict %q, want retry for transport error", v.Type)
	}

	v = d.Deliver(context.Background(), testJob(Target{URL: url}), MaxAttempts)
	if v.Type != VerdictFailed {
		t.Errorf("verdict %q, want failed at max attempts", v.Type)
	}
}
