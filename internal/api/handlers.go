// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilocode/cloudagent/internal/ids"
	"github.com/kilocode/cloudagent/internal/ingest"
	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/retry"
	"github.com/kilocode/cloudagent/internal/session"
	"github.com/kilocode/cloudagent/internal/session/model"
)

type startExecutionRequest struct {
	UserID          string            `json:"userId"`
	ExecutionID     string            `json:"executionId,omitempty"`
	CallbackURL     string            `json:"callbackUrl,omitempty"`
	CallbackHeaders map[string]string `json:"callbackHeaders,omitempty"`
}

type startExecutionResponse struct {
	SessionID      string                `json:"sessionId"`
	ExecutionID    string                `json:"executionId"`
	MessageID      string                `json:"messageId"`
	LeaseID        string                `json:"leaseId"`
	LeaseExpiresAt int64                 `json:"leaseExpiresAt"`
	Status         model.ExecutionStatus `json:"status"`
}

// handleStartExecution acquires the session lease and registers a new
// running execution. Exactly one execution may be active per session.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, map[string]string{"error": err.Error()})
		return
	}
	if !ids.ValidUserID(req.UserID) {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, map[string]string{"error": "invalid user id"})
		return
	}
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = ids.NewExecutionID()
	}

	sess, err := s.registry.GetOrCreate(ctx, sessionID, req.UserID)
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}

	if req.CallbackURL != "" {
		if err := sess.RegisterCallback(ctx, req.CallbackURL, req.CallbackHeaders); err != nil {
			s.respondSessionError(w, r, err)
			return
		}
	}

	exec, lease, err := sess.StartExecution(ctx, executionID, s.cfg.LeaseTTLSeconds)
	if err != nil {
		var conflict *session.ConflictError
		if errors.As(err, &conflict) {
			RespondError(w, r, http.StatusConflict, ErrExecutionConflict,
				map[string]string{"activeExecutionId": conflict.ActiveExecutionID})
			return
		}
		s.respondSessionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, startExecutionResponse{
		SessionID:      sessionID,
		ExecutionID:    exec.ExecutionID,
		MessageID:      exec.MessageID,
		LeaseID:        lease.LeaseID,
		LeaseExpiresAt: lease.ExpiresAtUnix,
		Status:         exec.Status,
	})
}

type sessionResponse struct {
	Session         model.SessionRecord    `json:"session"`
	ActiveExecution *model.ExecutionRecord `json:"activeExecution,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}
	rec, exec, err := sess.Snapshot(ctx)
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{Session: rec, ActiveExecution: exec})
}

type interruptRequest struct {
	Signal string `json:"signal,omitempty"`
}

// handleInterrupt sends an advisory kill to the worker. State only changes
// when a terminal event (or disconnect) is actually observed, so the
// response is 202, not 200.
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	if !ids.ValidExecutionID(executionID) {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, map[string]string{"error": "invalid execution id"})
		return
	}

	var req interruptRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, map[string]string{"error": err.Error()})
			return
		}
	}

	h := s.ingest.Handler(executionID)
	if h == nil {
		RespondError(w, r, http.StatusConflict, ErrWorkerNotConnected)
		return
	}
	if err := h.Kill(req.Signal); err != nil {
		if errors.Is(err, ingest.ErrNotConnected) {
			RespondError(w, r, http.StatusConflict, ErrWorkerNotConnected)
			return
		}
		s.logger.Error().Err(err).
			Str(log.FieldEvent, "api.interrupt_failed").
			Str(log.FieldExecutionID, executionID).
			Msg("failed to send kill command")
		RespondError(w, r, http.StatusInternalServerError, ErrInternalServer)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "signalled"})
}

// respondSessionError maps session-layer errors onto the HTTP taxonomy:
// client errors 4xx, retryable transients 503 with Retry-After, everything
// else 500.
func (s *Server) respondSessionError(w http.ResponseWriter, r *http.Request, err error) {
	var clientErr *ids.ClientError
	switch {
	case errors.As(err, &clientErr):
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, map[string]string{"error": clientErr.Msg})
	case errors.Is(err, session.ErrSessionNotFound):
		RespondError(w, r, http.StatusNotFound, ErrSessionNotFound)
	case errors.Is(err, session.ErrExecutionNotFound):
		RespondError(w, r, http.StatusNotFound, ErrExecutionNotFound)
	case retry.IsRetryable(err):
		RespondRetryable(w, r, 1)
	default:
		s.logger.Error().Err(err).
			Str(log.FieldEvent, "api.internal_error").
			Str("path", r.URL.Path).
			Msg("unhandled session error")
		RespondError(w, r, http.StatusInternalServerError, ErrInternalServer)
	}
}
