// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilocode/cloudagent/internal/session/model"
	"github.com/kilocode/cloudagent/internal/session/store"
)

func TestStartExecution_Conflict(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if _, _, err := s.StartExecution(ctx, "exc_one", 300); err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, _, err := s.StartExecution(ctx, "exc_two", 300)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second start: got %v, want ConflictError", err)
	}
	if conflict.ActiveExecutionID != "exc_one" {
		t.Errorf("conflict carries %q, want exc_one", conflict.ActiveExecutionID)
	}

	// Duplicate execution id is also a conflict.
	if _, _, err := s.StartExecution(ctx, "exc_one", 300); err == nil {
		t.Error("duplicate execution id must conflict")
	}
}

func TestUpdateStatus_IdempotentTerminal(t *testing.T) {
	s, clock := newTestSession(t)
	ctx := context.Background()

	if _, _, err := s.StartExecution(ctx, "exc_one", 300); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.UpdateStatus(ctx, "exc_one", model.StatusCompleted, ""); err != nil {
		t.Fatalf("first terminal update: %v", err)
	}
	first, err := s.Execution(ctx, "exc_one")
	if err != nil {
		t.Fatalf("read execution: %v", err)
	}
	completedAt := first.CompletedAtUnix

	// Re-delivery of the identical terminal status: no-op, timestamp kept.
	clock.Advance(10 * time.Second)
	if err := s.UpdateStatus(ctx, "exc_one", model.StatusCompleted, ""); err != nil {
		t.Fatalf("redelivered terminal update: %v", err)
	}
	second, _ := s.Execution(ctx, "exc_one")
	if second.CompletedAtUnix != completedAt {
		t.Errorf("completedAt changed on redelivery: %d -> %d", completedAt, second.CompletedAtUnix)
	}

	// A conflicting terminal status is logged and ignored, never applied.
	if err := s.UpdateStatus(ctx, "exc_one", model.StatusFailed, "boom"); err != nil {
		t.Fatalf("conflicting terminal update: %v", err)
	}
	third, _ := s.Execution(ctx, "exc_one")
	if third.Status != model.StatusCompleted {
		t.Errorf("status moved between terminal states: %s", third.Status)
	}

	if err := s.UpdateStatus(ctx, "exc_ghost", model.StatusFailed, ""); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("unknown execution: got %v, want ErrExecutionNotFound", err)
	}
}

func TestFinishExecution_OrderAndHook(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var hookSess model.SessionRecord
	var hookExec model.ExecutionRecord
	hookCalls := 0

	st := store.NewMemoryStore()
	reg := NewRegistry(Deps{
		Store:  st,
		Logger: zerolog.Nop(),
		Clock:  clock.Now,
		OnTerminal: func(ctx context.Context, sess model.SessionRecord, exec model.ExecutionRecord) {
			hookCalls++
			hookSess = sess
			hookExec = exec
			// ClearActiveExecution must have run before the hook fires.
			if sess.ActiveExecutionID != "" {
				t.Errorf("hook observed active execution %q", sess.ActiveExecutionID)
			}
		},
	})
	ctx := context.Background()
	s, err := reg.GetOrCreate(ctx, "sess_test", "user_alice")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, _, err := s.StartExecution(ctx, "exc_one", 300); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.FinishExecution(ctx, "exc_one", model.StatusFailed, "exit 1"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if hookCalls != 1 {
		t.Fatalf("terminal hook fired %d times, want 1", hookCalls)
	}
	if hookExec.Status != model.StatusFailed || hookExec.ErrorMessage != "exit 1" {
		t.Errorf("hook execution = %+v", hookExec)
	}
	if hookSess.SessionID != "sess_test" {
		t.Errorf("hook session = %+v", hookSess)
	}

	// Lease and active pointer are gone; a new execution may start.
	if lease, _ := s.Lease(ctx); lease != nil {
		t.Error("lease still live after finish")
	}
	if _, _, err := s.StartExecution(ctx, "exc_two", 300); err != nil {
		t.Errorf("start after finish: %v", err)
	}

	// A non-terminal argument is rejected outright.
	if err := s.FinishExecution(ctx, "exc_two", model.StatusRunning, ""); err == nil {
		t.Error("FinishExecution accepted a non-terminal status")
	}
}

func TestSnapshot_FiltersTerminalActive(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	rec, exec, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if exec != nil {
		t.Errorf("fresh session reports active execution %+v", exec)
	}
	if rec.UserID != "user_alice" {
		t.Errorf("session record = %+v", rec)
	}

	if _, _, err := s.StartExecution(ctx, "exc_one", 300); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, exec, _ = s.Snapshot(ctx)
	if exec == nil || exec.ExecutionID != "exc_one" {
		t.Fatalf("active execution not reported: %+v", exec)
	}

	if err := s.FinishExecution(ctx, "exc_one", model.StatusCompleted, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	_, exec, _ = s.Snapshot(ctx)
	if exec != nil {
		t.Errorf("terminal execution still reported active: %+v", exec)
	}
}

func TestCaptureBranch(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.CaptureBranch(ctx, "exc_one", ""); err != nil {
		t.Fatalf("empty branch must be a no-op: %v", err)
	}
	if err := s.CaptureBranch(ctx, "exc_one", "kilo/feature-42"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	rec, _, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if rec.UpstreamBranch != "kilo/feature-42" {
		t.Errorf("branch = %q", rec.UpstreamBranch)
	}
}

func TestRegistry_Routing(t *testing.T) {
	reg := NewRegistry(Deps{Store: store.NewMemoryStore(), Logger: zerolog.Nop()})
	ctx := context.Background()

	// Unknown session without a creating user is not found.
	if _, err := reg.Get(ctx, "sess_unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get unknown: got %v, want ErrSessionNotFound", err)
	}

	a, err := reg.GetOrCreate(ctx, "sess_a", "user_1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := reg.Get(ctx, "sess_a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a != again {
		t.Error("registry returned a different owner for the same key")
	}

	// Legacy agent_ ids are accepted; garbage is a client error.
	if _, err := reg.GetOrCreate(ctx, "agent_legacy", "user_1"); err != nil {
		t.Errorf("legacy id rejected: %v", err)
	}
	if _, err := reg.GetOrCreate(ctx, "bogus", "user_1"); err == nil {
		t.Error("invalid session id accepted")
	}
}
