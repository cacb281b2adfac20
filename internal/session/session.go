// SPDX-License-Identifier: MIT

// Package session owns all per-session state: the execution lease, the
// execution lifecycle, and captured branch metadata. Each session is a
// single serialized owner: every mutating operation takes the session
// mutex, so within one session there are no races and no cross-session
// locking is needed.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilocode/cloudagent/internal/ids"
	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/session/model"
	"github.com/kilocode/cloudagent/internal/session/store"
)

// TerminalFunc is invoked after an execution reaches a terminal status and
// the active-execution pointer has been cleared, in that order. Used to
// enqueue the completion callback.
type TerminalFunc func(ctx context.Context, sess model.SessionRecord, exec model.ExecutionRecord)

// Deps holds the collaborators injected into the registry.
type Deps struct {
	Store      store.Store
	Logger     zerolog.Logger
	Clock      func() time.Time // defaults to time.Now
	OnTerminal TerminalFunc     // optional
}

// Registry routes operations to the single Session owner for each key.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	deps     Deps
}

// NewRegistry creates a session registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Registry{
		sessions: make(map[string]*Session),
		deps:     deps,
	}
}

// Get returns the owner for sessionID, loading its record from the store.
// Unknown sessions return ErrSessionNotFound.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	return r.lookup(ctx, sessionID, "")
}

// GetOrCreate returns the owner for sessionID, creating the durable record
// on first sight. userID is only used at creation time.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID, userID string) (*Session, error) {
	return r.lookup(ctx, sessionID, userID)
}

func (r *Registry) lookup(ctx context.Context, sessionID, createUserID string) (*Session, error) {
	if !ids.ValidSessionID(sessionID) {
		return nil, &ids.ClientError{Msg: "invalid session id: " + sessionID}
	}

	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	// Load (or create) outside the registry lock; the store is safe for
	// concurrent use and a duplicate load is harmless.
	_, err := r.deps.Store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if createUserID == "" {
			return nil, ErrSessionNotFound
		}
		now := r.deps.Clock().Unix()
		rec := &model.SessionRecord{
			SessionID:     sessionID,
			UserID:        createUserID,
			CreatedAtUnix: now,
			UpdatedAtUnix: now,
		}
		if err := r.deps.Store.PutSession(ctx, rec); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}
	s := &Session{
		id:         sessionID,
		store:      r.deps.Store,
		clock:      r.deps.Clock,
		onTerminal: r.deps.OnTerminal,
		logger: r.deps.Logger.With().
			Str(log.FieldComponent, "session").
			Str(log.FieldSessionID, sessionID).
			Logger(),
	}
	r.sessions[sessionID] = s
	return s, nil
}

// FindExecution resolves an execution id to its owning session and the
// execution record. Workers connect with only the execution id.
func (r *Registry) FindExecution(ctx context.Context, executionID string) (*Session, *model.ExecutionRecord, error) {
	if !ids.ValidExecutionID(executionID) {
		return nil, nil, &ids.ClientError{Msg: "invalid execution id: " + executionID}
	}
	exec, err := r.deps.Store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrExecutionNotFound
		}
		return nil, nil, err
	}
	s, err := r.Get(ctx, exec.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return s, exec, nil
}

// Session is the serialized owner of one session's state.
type Session struct {
	id         string
	mu         sync.Mutex
	store      store.Store
	clock      func() time.Time
	logger     zerolog.Logger
	onTerminal TerminalFunc
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Snapshot returns the current session record and, when an execution is
// active, its record. The active pointer is filtered through lease expiry
// so callers never see a stale active execution.
func (s *Session) Snapshot(ctx context.Context) (model.SessionRecord, *model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.SessionRecord{}, nil, ErrSessionNotFound
		}
		return model.SessionRecord{}, nil, err
	}

	if rec.ActiveExecutionID == "" {
		return *rec, nil, nil
	}
	exec, err := s.store.GetExecution(ctx, rec.ActiveExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return *rec, nil, nil
		}
		return model.SessionRecord{}, nil, err
	}
	return *rec, exec, nil
}

// RegisterCallback persists the HTTP target notified when an execution in
// this session turns terminal. An empty URL clears the registration.
func (s *Session) RegisterCallback(ctx context.Context, url string, headers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return err
	}
	rec.CallbackURL = url
	rec.CallbackHeaders = headers
	if url == "" {
		rec.CallbackHeaders = nil
	}
	rec.UpdatedAtUnix = s.clock().Unix()
	return s.store.PutSession(ctx, rec)
}

// CaptureBranch persists the git branch reported by a complete event. An
// empty branch is a no-op.
func (s *Session) CaptureBranch(ctx context.Context, executionID, branch string) error {
	if branch == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetSession(ctx, s.id)
	if err != nil {
		return err
	}
	rec.UpstreamBranch = branch
	rec.UpdatedAtUnix = s.clock().Unix()
	if err := s.store.PutSession(ctx, rec); err != nil {
		return err
	}
	s.logger.Info().
		Str(log.FieldEvent, "session.branch_captured").
		Str(log.FieldExecutionID, executionID).
		Str("branch", branch).
		Msg("captured upstream branch")
	return nil
}
