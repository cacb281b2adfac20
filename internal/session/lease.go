// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"

	"github.com/kilocode/cloudagent/internal/ids"
	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/session/model"
	"github.com/kilocode/cloudagent/internal/session/store"
)

// AcquireLease grants the execution lease for this session. It fails with
// a ConflictError carrying the holder's execution id while an unexpired
// lease exists. Expiry is evaluated here, at read time: an expired row is
// treated as absent and overwritten.
func (s *Session) AcquireLease(ctx context.Context, executionID string, ttlSeconds int64) (*model.LeaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquireLeaseLocked(ctx, executionID, ttlSeconds)
}

func (s *Session) acquireLeaseLocked(ctx context.Context, executionID string, ttlSeconds int64) (*model.LeaseRecord, error) {
	now := s.clock().Unix()

	existing, err := s.store.GetLease(ctx, s.id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil && now < existing.ExpiresAtUnix {
		return nil, &ConflictError{ActiveExecutionID: existing.ExecutionID}
	}

	messageID, err := ids.ExecutionIDToMessageID(executionID)
	if err != nil {
		return nil, err
	}
	lease := &model.LeaseRecord{
		LeaseID:       ids.NewLeaseID(),
		ExecutionID:   executionID,
		MessageID:     messageID,
		ExpiresAtUnix: now + ttlSeconds,
		UpdatedAtUnix: now,
	}
	if err := s.store.PutLease(ctx, s.id, lease); err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str(log.FieldEvent, "lease.acquired").
		Str(log.FieldLeaseID, lease.LeaseID).
		Str(log.FieldExecutionID, executionID).
		Int64("expires_at", lease.ExpiresAtUnix).
		Msg("lease acquired")
	return lease, nil
}

// ExtendLease pushes the lease expiry forward. Idempotent under retry: the
// same lease id with a same-or-later expiry wins; an earlier expiry is
// ignored rather than shortening the lease.
func (s *Session) ExtendLease(ctx context.Context, leaseID string, ttlSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, err := s.store.GetLease(ctx, s.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrLeaseNotFound
		}
		return err
	}
	if lease.LeaseID != leaseID {
		return ErrLeaseNotFound
	}
	now := s.clock().Unix()
	if now >= lease.ExpiresAtUnix {
		return ErrLeaseExpired
	}
	newExpiry := now + ttlSeconds
	if newExpiry > lease.ExpiresAtUnix {
		lease.ExpiresAtUnix = newExpiry
	}
	lease.UpdatedAtUnix = now
	return s.store.PutLease(ctx, s.id, lease)
}

// ReleaseLease deletes the lease row. Releasing an already-released or
// unknown lease is a no-op, not an error.
func (s *Session) ReleaseLease(ctx context.Context, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLeaseLocked(ctx, leaseID)
}

func (s *Session) releaseLeaseLocked(ctx context.Context, leaseID string) error {
	lease, err := s.store.GetLease(ctx, s.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if leaseID != "" && lease.LeaseID != leaseID {
		return nil
	}
	if err := s.store.DeleteLease(ctx, s.id); err != nil {
		return err
	}
	s.logger.Debug().
		Str(log.FieldEvent, "lease.released").
		Str(log.FieldLeaseID, lease.LeaseID).
		Msg("lease released")
	return nil
}

// Lease returns the current unexpired lease, or nil when none is live.
func (s *Session) Lease(ctx context.Context) (*model.LeaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, err := s.store.GetLease(ctx, s.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if s.clock().Unix() >= lease.ExpiresAtUnix {
		return nil, nil
	}
	return lease, nil
}
