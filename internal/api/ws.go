// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ErrExecutionTerminal rejects a worker attaching to a finished execution.
var ErrExecutionTerminal = &APIError{
	Code:    "EXECUTION_TERMINAL",
	Message: "Execution already reached a terminal status",
}

// handleStream upgrades a subscriber connection and fans session events
// out to it. ?types= carries an optional comma-separated event filter.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}

	filter := stream.ParseFilter(r.URL.Query().Get("types"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn().Err(err).
			Str(log.FieldEvent, "api.stream_upgrade_failed").
			Str(log.FieldSessionID, sessionID).
			Msg("stream upgrade failed")
		return
	}

	sub := s.hub.Subscribe(sess.ID(), filter)
	defer sub.Close()
	s.hub.ServeConn(conn, sub)
}

// handleIngest upgrades the worker connection for one execution and hands
// it to the ingest manager.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := chi.URLParam(r, "executionID")

	sess, exec, err := s.registry.FindExecution(ctx, executionID)
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}
	if exec.Status.Terminal() {
		RespondError(w, r, http.StatusConflict, ErrExecutionTerminal)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).
			Str(log.FieldEvent, "api.ingest_upgrade_failed").
			Str(log.FieldExecutionID, executionID).
			Msg("ingest upgrade failed")
		return
	}

	s.ingest.Serve(ctx, sess, executionID, conn)
}
