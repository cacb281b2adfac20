// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/protocol"
	"github.com/kilocode/cloudagent/internal/session"
)

// ErrNotConnected is returned by command sends while no worker socket is
// attached to the execution.
var ErrNotConnected = errors.New("ingest: worker not connected")

const (
	writeWait = 10 * time.Second

	// idleTimeout bounds how long a worker may stay silent. The server
	// pings at pingInterval; a healthy worker answers with a pong event
	// well before the deadline.
	idleTimeout  = 120 * time.Second
	pingInterval = 30 * time.Second
)

// Manager routes worker connections to their per-execution Handler. A
// handler outlives any single socket so a reconnecting worker resumes the
// same latched state.
type Manager struct {
	hub    Streamer
	logger zerolog.Logger

	mu       sync.Mutex
	handlers map[string]*Handler
}

func NewManager(hub Streamer, logger zerolog.Logger) *Manager {
	return &Manager{
		hub:      hub,
		logger:   logger.With().Str(log.FieldComponent, "ingest").Logger(),
		handlers: make(map[string]*Handler),
	}
}

// Handler returns the live handler for an execution, or nil.
func (m *Manager) Handler(executionID string) *Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[executionID]
}

// attach returns the execution's handler, creating it on first connect.
// The second return reports whether this is a reconnect.
func (m *Manager) attach(sess *session.Session, executionID string) (*Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handlers[executionID]; ok {
		return h, true
	}
	h := newHandler(sess, executionID, m.hub, m.logger)
	m.handlers[executionID] = h
	return h, false
}

func (m *Manager) detach(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, executionID)
}

// Serve runs the read loop for one worker socket until the socket closes,
// the context ends or the execution turns terminal. It owns conn and
// closes it on return.
func (m *Manager) Serve(ctx context.Context, sess *session.Session, executionID string, conn *websocket.Conn) {
	defer conn.Close()

	h, reconnect := m.attach(sess, executionID)
	if h.Terminal() {
		// A worker must not reattach to a finished execution.
		m.detach(executionID)
		h.logger.Warn().
			Str(log.FieldEvent, "ingest.attach_terminal").
			Msg("worker attached to a terminal execution")
		return
	}

	var writeMu sync.Mutex
	h.mu.Lock()
	h.sendCommand = func(cmd protocol.Command) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(cmd)
	}
	h.mu.Unlock()

	if reconnect {
		h.logger.Info().
			Str(log.FieldEvent, "ingest.wrapper_reconnected").
			Msg("worker reconnected")
		m.hub.WrapperReconnected(sess.ID())
	} else {
		h.logger.Info().
			Str(log.FieldEvent, "ingest.attached").
			Msg("worker attached")
	}

	stop := make(chan struct{})
	defer close(stop)
	go m.pingLoop(h, stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn().Err(err).
					Str(log.FieldEvent, "ingest.read_error").
					Msg("worker socket read failed")
			}
			break
		}
		// Any traffic proves liveness, not just pong frames.
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		h.HandleRaw(ctx, raw)
		if h.Terminal() {
			break
		}
	}

	h.Disconnected(ctx)
	if h.Terminal() {
		m.detach(executionID)
	}
}

func (m *Manager) pingLoop(h *Handler, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := h.Ping(); err != nil {
				return
			}
		}
	}
}
