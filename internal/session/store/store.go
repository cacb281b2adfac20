// SPDX-License-Identifier: MIT

// Package store provides durable per-session storage. The badger store is
// the production backend; the memory store serves tests and ephemeral runs.
package store

import (
	"context"
	"errors"

	"github.com/kilocode/cloudagent/internal/session/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// Store persists session, execution and lease records. Implementations
// must be safe for concurrent use; per-session serialization is the
// actor's job, not the store's.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*model.SessionRecord, error)
	PutSession(ctx context.Context, rec *model.SessionRecord) error

	GetExecution(ctx context.Context, executionID string) (*model.ExecutionRecord, error)
	PutExecution(ctx context.Context, rec *model.ExecutionRecord) error

	// Leases are keyed by session: at most one lease row per session.
	GetLease(ctx context.Context, sessionID string) (*model.LeaseRecord, error)
	PutLease(ctx context.Context, sessionID string, rec *model.LeaseRecord) error
	DeleteLease(ctx context.Context, sessionID string) error

	Close() error
}
