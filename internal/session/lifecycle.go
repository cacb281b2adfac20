// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"

	"github.com/kilocode/cloudagent/internal/ids"
	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/metrics"
	"github.com/kilocode/cloudagent/internal/session/model"
	"github.com/kilocode/cloudagent/internal/session/store"
)

// StartExecution acquires the lease and records a new running execution in
// one serialized step. A live lease or an already-active execution yields
// a ConflictError with the holder's execution id.
func (s *Session) StartExecution(ctx context.Context, executionID string, leaseTTLSeconds int64) (*model.ExecutionRecord, *model.LeaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ids.ValidExecutionID(executionID) {
		return nil, nil, &ids.ClientError{Msg: "invalid execution id: " + executionID}
	}

	// Duplicate execution id is a conflict regardless of lease state.
	if _, err := s.store.GetExecution(ctx, executionID); err == nil {
		return nil, nil, &ConflictError{ActiveExecutionID: executionID}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	lease, err := s.acquireLeaseLocked(ctx, executionID, leaseTTLSeconds)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			metrics.LeaseConflicts.Inc()
		}
		return nil, nil, err
	}

	now := s.clock().Unix()
	exec := &model.ExecutionRecord{
		ExecutionID:   executionID,
		SessionID:     s.id,
		MessageID:     lease.MessageID,
		Status:        model.StatusRunning,
		StartedAtUnix: now,
	}
	if err := s.store.PutExecution(ctx, exec); err != nil {
		// Roll the lease back so the session is not wedged until TTL.
		_ = s.releaseLeaseLocked(ctx, lease.LeaseID)
		return nil, nil, err
	}

	sess, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return nil, nil, err
	}
	sess.ActiveExecutionID = executionID
	sess.UpdatedAtUnix = now
	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, nil, err
	}

	metrics.ExecutionsStarted.Inc()
	s.logger.Info().
		Str(log.FieldEvent, "execution.started").
		Str(log.FieldExecutionID, executionID).
		Str(log.FieldLeaseID, lease.LeaseID).
		Msg("execution started")
	return exec, lease, nil
}

// UpdateStatus writes an execution's status. Re-delivering the identical
// terminal status is a no-op with the original completion timestamp
// preserved. A different terminal status over an existing terminal status
// is a logic error: it is logged and ignored, never applied.
func (s *Session) UpdateStatus(ctx context.Context, executionID string, status model.ExecutionStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrExecutionNotFound
		}
		return err
	}

	if exec.Status.Terminal() {
		if exec.Status == status {
			return nil
		}
		s.logger.Warn().
			Str(log.FieldEvent, "execution.conflicting_terminal_write").
			Str(log.FieldExecutionID, executionID).
			Str(log.FieldOldStatus, string(exec.Status)).
			Str(log.FieldNewStatus, string(status)).
			Msg("refusing to move execution between terminal states")
		return nil
	}

	exec.Status = status
	exec.ErrorMessage = errMsg
	if status.Terminal() {
		exec.CompletedAtUnix = s.clock().Unix()
		metrics.ExecutionsTerminal.WithLabelValues(string(status)).Inc()
	}
	if err := s.store.PutExecution(ctx, exec); err != nil {
		return err
	}
	s.logger.Info().
		Str(log.FieldEvent, "execution.status_updated").
		Str(log.FieldExecutionID, executionID).
		Str(log.FieldNewStatus, string(status)).
		Msg("execution status updated")
	return nil
}

// ClearActiveExecution clears the active pointer and releases the lease.
// It must run after the terminal UpdateStatus, so pollers never observe an
// execution that is both terminal and reported active.
func (s *Session) ClearActiveExecution(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return err
	}
	if sess.ActiveExecutionID != "" {
		sess.ActiveExecutionID = ""
		sess.UpdatedAtUnix = s.clock().Unix()
		if err := s.store.PutSession(ctx, sess); err != nil {
			return err
		}
	}
	return s.releaseLeaseLocked(ctx, "")
}

// FinishExecution applies a terminal status, clears the active pointer and
// then fires the terminal hook, in that order.
func (s *Session) FinishExecution(ctx context.Context, executionID string, status model.ExecutionStatus, errMsg string) error {
	if !status.Terminal() {
		return errors.New("session: FinishExecution requires a terminal status")
	}
	if err := s.UpdateStatus(ctx, executionID, status, errMsg); err != nil {
		return err
	}
	if err := s.ClearActiveExecution(ctx); err != nil {
		return err
	}
	if s.onTerminal != nil {
		sess, err := s.store.GetSession(ctx, s.id)
		if err != nil {
			return err
		}
		exec, err := s.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		s.onTerminal(ctx, *sess, *exec)
	}
	return nil
}

// Execution returns the record for executionID.
func (s *Session) Execution(ctx context.Context, executionID string) (*model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}
