// SPDX-License-Identifier: MIT

package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupQueue(t *testing.T) (*miniredis.Miniredis, *Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewQueueWithClient(client, zerolog.Nop())
}

func TestQueue_EnqueuePop(t *testing.T) {
	_, q := setupQueue(t)
	ctx := context.Background()

	job := testJob(Target{URL: "http://callback.example/hook"})
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msg, err := q.pop(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", msg.Attempts)
	}
	if msg.Job.Payload.ExecutionID != "exc_1" {
		t.Errorf("payload = %+v", msg.Job.Payload)
	}

	// Empty queue times out with neither message nor error.
	msg, err = q.pop(ctx, 10*time.Millisecond)
	if err != nil || msg != nil {
		t.Errorf("empty pop: msg=%v err=%v", msg, err)
	}
}

func TestQueue_DelayedPromotion(t *testing.T) {
	mr, q := setupQueue(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	msg := Message{Job: testJob(Target{URL: "http://callback.example/hook"}), Attempts: 2}
	if err := q.scheduleRetry(ctx, msg, time.Minute, now); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Not due yet.
	if err := q.promoteDue(ctx, now.Add(30*time.Second)); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if got, _ := q.pop(ctx, 10*time.Millisecond); got != nil {
		t.Fatal("message promoted before its ready time")
	}

	// Due.
	if err := q.promoteDue(ctx, now.Add(61*time.Second)); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, err := q.pop(ctx, 100*time.Millisecond)
	if err != nil || got == nil {
		t.Fatalf("pop after promotion: msg=%v err=%v", got, err)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}

	// The delayed set is drained.
	if n, _ := mr.ZMembers(keyDelayed); len(n) != 0 {
		t.Errorf("delayed set still holds %v", n)
	}
}

func TestConsumer_Flow(t *testing.T) {
	mr, q := setupQueue(t)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// First attempt gets a 503, second succeeds.
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	c := NewConsumer(q, NewDeliverer(zerolog.Nop()), zerolog.Nop(), clock)
	ctx := context.Background()

	// Attempt 1: 503 → scheduled for +60s.
	c.handle(ctx, Message{Job: testJob(Target{URL: srv.URL}), Attempts: 1})
	if members, _ := mr.ZMembers(keyDelayed); len(members) != 1 {
		t.Fatalf("delayed set holds %d entries, want 1", len(members))
	}

	// Promote once due and run attempt 2: success, queue empty.
	now = now.Add(61 * time.Second)
	if err := q.promoteDue(ctx, now); err != nil {
		t.Fatalf("promote: %v", err)
	}
	msg, err := q.pop(ctx, 100*time.Millisecond)
	if err != nil || msg == nil {
		t.Fatalf("pop: msg=%v err=%v", msg, err)
	}
	if msg.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", msg.Attempts)
	}
	c.handle(ctx, *msg)

	if members, _ := mr.ZMembers(keyDelayed); len(members) != 0 {
		t.Errorf("delayed set not empty after success: %v", members)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("target hit %d times, want 2", got)
	}
}

func TestConsumer_DeadLetterOnPermanentFailure(t *testing.T) {
	mr, q := setupQueue(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	c := NewConsumer(q, NewDeliverer(zerolog.Nop()), zerolog.Nop(), nil)
	c.handle(context.Background(), Message{Job: testJob(Target{URL: srv.URL}), Attempts: 1})

	dead, err := mr.List(keyDead)
	if err != nil {
		t.Fatalf("read dead letters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letter list holds %d entries, want 1", len(dead))
	}
	var entry struct {
		Message
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(dead[0]), &entry); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if entry.Reason == "" {
		t.Error("dead letter missing reason")
	}
	if entry.Job.Payload.ExecutionID != "exc_1" {
		t.Errorf("dead letter payload = %+v", entry.Job.Payload)
	}
}
