// SPDX-License-Identifier: MIT

// Package ingest accepts the WebSocket connection from an execution's
// worker process, classifies its event frames and drives the session
// lifecycle from them. Parsing never drops data; terminal detection never
// leaves an execution hanging on a frame that will not arrive.
package ingest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/metrics"
	"github.com/kilocode/cloudagent/internal/protocol"
	"github.com/kilocode/cloudagent/internal/session"
	"github.com/kilocode/cloudagent/internal/session/model"
)

// Streamer is the slice of the stream hub the handler needs.
type Streamer interface {
	Broadcast(sessionID string, ev protocol.Event)
	WrapperDisconnected(sessionID string)
	WrapperReconnected(sessionID string)
}

// Handler owns the ingest state for one execution. It survives worker
// reconnects; the Manager reuses it until the execution is terminal.
type Handler struct {
	sess        *session.Session
	executionID string
	hub         Streamer
	logger      zerolog.Logger

	mu sync.Mutex
	// latched holds the status that overrides a later complete frame.
	// Precedence: interrupted > fatal error > complete's exit code.
	latched       model.ExecutionStatus
	latchedReason string
	terminal      bool

	// sendCommand writes a command frame to the live connection; nil while
	// disconnected.
	sendCommand func(protocol.Command) error
}

func newHandler(sess *session.Session, executionID string, hub Streamer, logger zerolog.Logger) *Handler {
	return &Handler{
		sess:        sess,
		executionID: executionID,
		hub:         hub,
		logger: logger.With().
			Str(log.FieldComponent, "ingest").
			Str(log.FieldSessionID, sess.ID()).
			Str(log.FieldExecutionID, executionID).
			Logger(),
	}
}

// Terminal reports whether the execution has reached a terminal status.
func (h *Handler) Terminal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminal
}

// HandleRaw parses one inbound message and dispatches it.
func (h *Handler) HandleRaw(ctx context.Context, raw []byte) {
	if !json.Valid(raw) {
		metrics.IngestParseFallbacks.Inc()
	}
	h.HandleEvent(ctx, protocol.ParseFrame(raw))
}

// HandleEvent dispatches one parsed event: re-broadcast to stream
// subscribers, then apply lifecycle side effects. The switch is
// exhaustive over the event union.
func (h *Handler) HandleEvent(ctx context.Context, ev protocol.Event) {
	metrics.IngestEvents.WithLabelValues(string(ev.Type)).Inc()
	h.hub.Broadcast(h.sess.ID(), ev)

	switch ev.Type {
	case protocol.EventStarted, protocol.EventOutput, protocol.EventStatus,
		protocol.EventHeartbeat, protocol.EventPong:
		// No lifecycle side effects; heartbeat/pong timer handling lives in
		// the connection loop.

	case protocol.EventWrapperResumed:
		// The worker reconnected on its own initiative; events emitted while
		// it was away are gone and this frame is the explicit gap marker.
		h.logger.Info().
			Str(log.FieldEvent, "ingest.wrapper_resumed").
			Msg("worker resumed, events may have been lost")

	case protocol.EventKilocode:
		h.handleKilocode(ctx, ev)

	case protocol.EventError:
		h.handleError(ev)

	case protocol.EventInterrupted:
		h.latch(model.StatusInterrupted, "interrupted")

	case protocol.EventComplete:
		h.handleComplete(ctx, ev)

	case protocol.EventWrapperDisconnected, protocol.EventWrapperReconnected:
		// Synthetic hub-originated types; a worker must not send them.
		h.logger.Warn().
			Str(log.FieldEvent, "ingest.reserved_event_type").
			Str(log.FieldEventType, string(ev.Type)).
			Msg("worker sent a reserved synthetic event type")
	}
}

func (h *Handler) handleKilocode(ctx context.Context, ev protocol.Event) {
	check := protocol.IsTerminalKilocodeEvent(ev.Data)
	if !check.IsTerminal {
		return
	}
	// A blocked CLI will never emit a complete frame for this ask; the
	// execution is force-completed instead of hanging forever.
	h.logger.Warn().
		Str(log.FieldEvent, "ingest.terminal_ask").
		Str("reason", check.Reason).
		Msg("terminal ask detected, force-completing execution")
	h.finish(ctx, model.StatusInterrupted, check.Reason)
}

func (h *Handler) handleError(ev protocol.Event) {
	data, err := ev.ErrorPayload()
	if err != nil {
		h.logger.Warn().Err(err).
			Str(log.FieldEvent, "ingest.bad_error_payload").
			Msg("undecodable error event payload")
		return
	}
	if data.Fatal {
		h.latch(model.StatusFailed, data.Error)
	}
}

func (h *Handler) handleComplete(ctx context.Context, ev protocol.Event) {
	data, err := ev.CompletePayload()
	if err != nil {
		h.logger.Warn().Err(err).
			Str(log.FieldEvent, "ingest.bad_complete_payload").
			Msg("undecodable complete event payload")
		return
	}

	if data.CurrentBranch != "" {
		if err := h.sess.CaptureBranch(ctx, h.executionID, data.CurrentBranch); err != nil {
			h.logger.Error().Err(err).
				Str(log.FieldEvent, "ingest.branch_capture_failed").
				Msg("failed to persist branch")
		}
	}

	status := model.StatusFromExitCode(data.ExitCode)
	errMsg := ""
	if status == model.StatusFailed {
		errMsg = "worker exited with nonzero code"
	}
	h.mu.Lock()
	if h.latched != "" {
		status = h.latched
		errMsg = h.latchedReason
	}
	h.mu.Unlock()
	h.finish(ctx, status, errMsg)
}

// latch records an overriding terminal status. interrupted wins over a
// fatal error; neither is downgraded by a later latch attempt.
func (h *Handler) latch(status model.ExecutionStatus, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latched == model.StatusInterrupted {
		return
	}
	h.latched = status
	h.latchedReason = reason
}

func (h *Handler) finish(ctx context.Context, status model.ExecutionStatus, errMsg string) {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return
	}
	h.terminal = true
	h.mu.Unlock()

	if err := h.sess.FinishExecution(ctx, h.executionID, status, errMsg); err != nil {
		h.logger.Error().Err(err).
			Str(log.FieldEvent, "ingest.finish_failed").
			Str(log.FieldStatus, string(status)).
			Msg("failed to finish execution")
	}
}

// Disconnected handles the read loop ending without a terminal event. A
// latched interrupt/fatal error is applied; the worker will not come
// back to deliver its complete frame after those. Otherwise the lease and
// lifecycle stay untouched and subscribers get the synthetic disconnect
// marker, because the worker may reconnect.
func (h *Handler) Disconnected(ctx context.Context) {
	h.mu.Lock()
	done := h.terminal
	latched := h.latched
	reason := h.latchedReason
	h.sendCommand = nil
	h.mu.Unlock()
	if done {
		return
	}

	if latched != "" {
		h.finish(ctx, latched, reason)
		return
	}

	h.logger.Warn().
		Str(log.FieldEvent, "ingest.wrapper_disconnected").
		Msg("worker disconnected without terminal event")
	h.hub.WrapperDisconnected(h.sess.ID())
}

// Kill sends an advisory kill command. State only changes when a terminal
// event (or disconnect) is actually observed.
func (h *Handler) Kill(signal string) error {
	return h.command(protocol.NewKillCommand(signal))
}

// Ping sends a ping command; the worker answers with a pong event.
func (h *Handler) Ping() error {
	return h.command(protocol.NewPingCommand())
}

func (h *Handler) command(cmd protocol.Command) error {
	h.mu.Lock()
	send := h.sendCommand
	h.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	return send(cmd)
}
