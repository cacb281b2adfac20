// SPDX-License-Identifier: MIT

// Package callback notifies externally supplied URLs when an execution
// reaches a terminal state, with bounded retry via a redis-backed queue.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/metrics"
	"github.com/kilocode/cloudagent/internal/session/model"
)

const (
	// MaxAttempts bounds delivery retries; the attempt that would exceed it
	// fails the job even for a retryable outcome.
	MaxAttempts = 5

	// BaseDelay is the first retry delay; subsequent delays double.
	BaseDelay = 60 * time.Second

	deliveryTimeout = 10 * time.Second
)

// Target is where a callback is delivered.
type Target struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Payload is the JSON body POSTed to the target.
type Payload struct {
	SessionID           string                `json:"sessionId"`
	CloudAgentSessionID string                `json:"cloudAgentSessionId"`
	ExecutionID         string                `json:"executionId"`
	Status              model.ExecutionStatus `json:"status"`
	ErrorMessage        string                `json:"errorMessage,omitempty"`
	LastSeenBranch      string                `json:"lastSeenBranch,omitempty"`
	KiloSessionID       string                `json:"kiloSessionId,omitempty"`
}

// Job is one callback delivery unit. The attempt count is owned by the
// queue, not the job.
type Job struct {
	Target  Target  `json:"target"`
	Payload Payload `json:"payload"`
}

// VerdictType classifies a delivery outcome.
type VerdictType string

const (
	VerdictSuccess VerdictType = "success"
	VerdictRetry   VerdictType = "retry"
	VerdictFailed  VerdictType = "failed"
)

// Verdict is the delivery engine's decision for one attempt.
type Verdict struct {
	Type  VerdictType
	Delay time.Duration // set for VerdictRetry
	Err   string        // set for VerdictFailed
}

// Deliverer sends a single callback request and classifies the outcome.
type Deliverer struct {
	client *http.Client
	logger zerolog.Logger
}

// NewDeliverer creates a delivery engine with the fixed 10s timeout.
func NewDeliverer(logger zerolog.Logger) *Deliverer {
	return &Deliverer{
		client: &http.Client{Timeout: deliveryTimeout},
		logger: logger.With().Str(log.FieldComponent, "callback").Logger(),
	}
}

// Deliver POSTs the job payload. attempt is 1-based.
// 2xx is success; 429, 5xx and transport errors are retryable until
// MaxAttempts; any other 4xx fails immediately.
func (d *Deliverer) Deliver(ctx context.Context, job Job, attempt int) Verdict {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return d.verdict(job, attempt, Verdict{Type: VerdictFailed, Err: fmt.Sprintf("marshal payload: %v", err)})
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Target.URL, bytes.NewReader(body))
	if err != nil {
		return d.verdict(job, attempt, Verdict{Type: VerdictFailed, Err: fmt.Sprintf("build request: %v", err)})
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range job.Target.Headers {
		req.Header.Set(k, v)
	}

	res, err := d.client.Do(req)
	if err != nil {
		return d.verdict(job, attempt, d.classifyRetryable(attempt, fmt.Sprintf("request failed: %v", err)))
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return d.verdict(job, attempt, Verdict{Type: VerdictSuccess})
	case shouldRetry(res.StatusCode):
		return d.verdict(job, attempt, d.classifyRetryable(attempt, fmt.Sprintf("upstream returned %d", res.StatusCode)))
	default:
		return d.verdict(job, attempt, Verdict{Type: VerdictFailed, Err: fmt.Sprintf("upstream returned %d (not retryable)", res.StatusCode)})
	}
}

// shouldRetry reports whether an HTTP status is worth another attempt.
// 429 and server errors are transient; other 4xx are the caller's bug.
func shouldRetry(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func (d *Deliverer) classifyRetryable(attempt int, reason string) Verdict {
	if attempt >= MaxAttempts {
		return Verdict{Type: VerdictFailed, Err: fmt.Sprintf("%s (attempts exhausted)", reason)}
	}
	return Verdict{Type: VerdictRetry, Delay: retryDelay(attempt)}
}

// retryDelay is BaseDelay * 2^(attempt-1). Pure exponential, no jitter:
// callback targets are distinct URLs, so synchronized retries are not a
// thundering-herd concern at this layer.
func retryDelay(attempt int) time.Duration {
	return BaseDelay << uint(attempt-1)
}

func (d *Deliverer) verdict(job Job, attempt int, v Verdict) Verdict {
	metrics.CallbackDeliveries.WithLabelValues(string(v.Type)).Inc()
	ev := d.logger.Debug()
	if v.Type == VerdictFailed {
		ev = d.logger.Error().Str("error", v.Err)
	}
	ev.Str(log.FieldEvent, "callback.delivery").
		Str(log.FieldSessionID, job.Payload.SessionID).
		Str(log.FieldExecutionID, job.Payload.ExecutionID).
		Str("verdict", string(v.Type)).
		Int(log.FieldAttempt, attempt).
		Msg("callback delivery attempt")
	return v
}
