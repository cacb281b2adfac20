// SPDX-License-Identifier: MIT

// Package stream fans ingest events out to subscribed WebSocket clients.
// Delivery is best-effort and at-most-once per connection: there is no
// backlog replay, and a subscriber whose buffer is full loses the frame
// rather than stalling the session.
package stream

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kilocode/cloudagent/internal/log"
	"github.com/kilocode/cloudagent/internal/metrics"
	"github.com/kilocode/cloudagent/internal/protocol"
)

// subscriberBuffer is the per-subscriber send buffer. Terminal output can
// burst; a slow client gets frames dropped once this fills.
const subscriberBuffer = 256

// Filter restricts which event types a subscriber receives. A nil or
// empty filter forwards everything.
type Filter map[protocol.EventType]bool

// ParseFilter builds a filter from a comma-separated type list. Unknown
// names are ignored rather than rejected, so older clients keep working
// when new event types appear.
func ParseFilter(csv string) Filter {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	f := make(Filter)
	for _, part := range strings.Split(csv, ",") {
		t := protocol.EventType(strings.TrimSpace(part))
		if protocol.KnownEventType(t) {
			f[t] = true
		}
	}
	if len(f) == 0 {
		return nil
	}
	return f
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev protocol.Event) bool {
	if len(f) == 0 {
		return true
	}
	return f[ev.Type]
}

// Subscriber is one attached client. Frames are consumed from C by the
// connection's write pump.
type Subscriber struct {
	hub       *Hub
	sessionID string
	filter    Filter
	ch        chan protocol.Event
	closeOnce sync.Once
}

// C returns the subscriber's event channel. It is closed by Close.
func (s *Subscriber) C() <-chan protocol.Event { return s.ch }

// Close detaches the subscriber and closes its channel. Safe to call
// more than once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

// Hub is the per-process fan-out point for all sessions' stream events.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscriber]struct{}
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscriber]struct{}),
		logger: logger.With().Str(log.FieldComponent, "stream").Logger(),
	}
}

// Subscribe attaches a new subscriber for sessionID. Events emitted before
// this call are not replayed.
func (h *Hub) Subscribe(sessionID string, filter Filter) *Subscriber {
	sub := &Subscriber{
		hub:       h,
		sessionID: sessionID,
		filter:    filter,
		ch:        make(chan protocol.Event, subscriberBuffer),
	}
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.StreamSubscribers.Inc()
	h.logger.Debug().
		Str(log.FieldEvent, "stream.subscribed").
		Str(log.FieldSessionID, sessionID).
		Msg("stream subscriber attached")
	return sub
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[sub.sessionID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			metrics.StreamSubscribers.Dec()
		}
		if len(set) == 0 {
			delete(h.subs, sub.sessionID)
		}
	}
	h.mu.Unlock()
}

// Broadcast re-emits one event to every matching subscriber of the
// session, in receipt order. Subscribers with full buffers lose the frame.
func (h *Hub) Broadcast(sessionID string, ev protocol.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[sessionID] {
		if !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.StreamDroppedFrames.Inc()
			h.logger.Warn().
				Str(log.FieldEvent, "stream.frame_dropped").
				Str(log.FieldSessionID, sessionID).
				Str(log.FieldEventType, string(ev.Type)).
				Msg("subscriber buffer full, frame dropped")
		}
	}
}

// WrapperDisconnected emits the synthetic disconnect event. It originates
// here, not from the worker process.
func (h *Hub) WrapperDisconnected(sessionID string) {
	h.Broadcast(sessionID, protocol.NewEvent(protocol.EventWrapperDisconnected, nil))
}

// WrapperReconnected emits the synthetic reconnect event.
func (h *Hub) WrapperReconnected(sessionID string) {
	h.Broadcast(sessionID, protocol.NewEvent(protocol.EventWrapperReconnected, nil))
}
