// SPDX-License-Identifier: MIT

// Package protocol defines the wire protocol spoken on the ingest and
// stream WebSocket channels: the event union, the command frames sent back
// to the worker process, and the tolerant line parser that turns raw
// worker output into events without ever dropping data.
package protocol

import (
	"encoding/json"
	"time"
)

// EventType tags the event union. Adding a type here requires updating
// every switch that dispatches on it; KnownEventType and the dispatch sites
// in ingest/stream are the places the compiler will not find for you.
type EventType string

const (
	EventStarted             EventType = "started"
	EventKilocode            EventType = "kilocode"
	EventOutput              EventType = "output"
	EventStatus              EventType = "status"
	EventHeartbeat           EventType = "heartbeat"
	EventPong                EventType = "pong"
	EventError               EventType = "error"
	EventInterrupted         EventType = "interrupted"
	EventComplete            EventType = "complete"
	EventWrapperResumed      EventType = "wrapper_resumed"
	EventWrapperDisconnected EventType = "wrapper_disconnected"
	EventWrapperReconnected  EventType = "wrapper_reconnected"
)

// KnownEventType reports whether t is a member of the event union.
func KnownEventType(t EventType) bool {
	switch t {
	case EventStarted, EventKilocode, EventOutput, EventStatus,
		EventHeartbeat, EventPong, EventError, EventInterrupted,
		EventComplete, EventWrapperResumed, EventWrapperDisconnected,
		EventWrapperReconnected:
		return true
	}
	return false
}

// Event is one ingest/stream protocol unit. Data is kept raw so events can
// be re-broadcast verbatim; typed accessors decode the payloads that the
// session actor actually inspects.
type Event struct {
	Type      EventType       `json:"streamEventType"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// OutputData is the payload of an "output" event.
type OutputData struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// ErrorData is the payload of an "error" event.
type ErrorData struct {
	Error string `json:"error"`
	Fatal bool   `json:"fatal"`
}

// CompleteData is the payload of a "complete" event.
type CompleteData struct {
	ExitCode      int    `json:"exitCode"`
	CurrentBranch string `json:"currentBranch,omitempty"`
}

// ErrorPayload decodes the data of an "error" event.
func (e Event) ErrorPayload() (ErrorData, error) {
	var d ErrorData
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

// CompletePayload decodes the data of a "complete" event.
func (e Event) CompletePayload() (CompleteData, error) {
	var d CompleteData
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

// NewEvent builds an event with the current time and a JSON-encoded payload.
// Marshal failures cannot occur for the payload types used in this package.
func NewEvent(t EventType, data any) Event {
	var raw json.RawMessage
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: raw}
}

// NewOutputEvent wraps a raw line as an output event.
func NewOutputEvent(content, source string) Event {
	return NewEvent(EventOutput, OutputData{Content: content, Source: source})
}

// NewErrorMessage builds the structured error frame sent to a stream client
// before an abnormal close.
func NewErrorMessage(code, msg string) Event {
	return NewEvent(EventError, struct {
		Error string `json:"error"`
		Code  string `json:"code,omitempty"`
		Fatal bool   `json:"fatal"`
	}{Error: msg, Code: code})
}
