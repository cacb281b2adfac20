// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sync"

	"github.com/kilocode/cloudagent/internal/session/model"
)

// MemoryStore is an in-memory Store intended for tests and local iteration.
// Not durable; not suitable for production.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]model.SessionRecord
	executions map[string]model.ExecutionRecord
	leases     map[string]model.LeaseRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]model.SessionRecord),
		executions: make(map[string]model.ExecutionRecord),
		leases:     make(map[string]model.LeaseRecord),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) PutSession(ctx context.Context, rec *model.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.SessionID] = *rec
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, executionID string) (*model.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) PutExecution(ctx context.Context, rec *model.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[rec.ExecutionID] = *rec
	return nil
}

func (m *MemoryStore) GetLease(ctx context.Context, sessionID string) (*model.LeaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.leases[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) PutLease(ctx context.Context, sessionID string, rec *model.LeaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[sessionID] = *rec
	return nil
}

func (m *MemoryStore) DeleteLease(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, sessionID)
	return nil
}
