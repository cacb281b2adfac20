// SPDX-License-Identifier: MIT

package protocol

import (
	"encoding/json"
	"strings"
)

// StripANSI removes CSI/OSC escape sequences and C0 control characters
// (except tab and newline) from s. Worker processes run terminal programs,
// so their output routinely embeds color codes and cursor movement.
func StripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		c := s[i]
		if c == 0x1b && i+1 < len(s) {
			switch s[i+1] {
			case '[': // CSI: ESC [ ... final byte in 0x40-0x7e
				j := i + 2
				for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
					j++
				}
				if j < len(s) {
					j++
				}
				i = j
				continue
			case ']': // OSC: ESC ] ... terminated by BEL or ST (ESC \)
				j := i + 2
				for j < len(s) {
					if s[j] == 0x07 {
						j++
						break
					}
					if s[j] == 0x1b && j+1 < len(s) && s[j+1] == '\\' {
						j += 2
						break
					}
					j++
				}
				i = j
				continue
			default: // two-byte escape (ESC c, ESC (, ...)
				i += 2
				continue
			}
		}
		if c < 0x20 && c != '\t' && c != '\n' {
			i++
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// ParseFrame parses one inbound ingest message. Valid frames carry a known
// streamEventType; anything else degrades through ParseKilocodeOutput so
// partial or garbled lines never vanish silently. It never fails.
func ParseFrame(raw []byte) Event {
	var e Event
	if err := json.Unmarshal(raw, &e); err == nil && KnownEventType(e.Type) {
		return e
	}
	return ParseKilocodeOutput(string(raw))
}

// ParseKilocodeOutput turns one raw worker output line into an event.
// JSON objects (possibly wrapped in ANSI escapes) become kilocode events
// carrying the parsed object; everything else becomes an output event with
// the ANSI-stripped text and source "stdout". It never fails.
func ParseKilocodeOutput(line string) Event {
	if ev, ok := tryKilocode(line); ok {
		return ev
	}
	stripped := StripANSI(line)
	if ev, ok := tryKilocode(stripped); ok {
		return ev
	}
	return NewOutputEvent(stripped, "stdout")
}

func tryKilocode(s string) (Event, bool) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return Event{}, false
	}
	var obj json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return Event{}, false
	}
	return NewEvent(EventKilocode, obj), true
}

// TerminalCheck is the result of inspecting a kilocode payload for asks
// that will never be answered in unattended mode.
type TerminalCheck struct {
	IsTerminal bool
	Reason     string
}

// terminalAsks are ask types that block a CLI waiting for input that will
// never arrive in auto mode. No complete frame follows them.
var terminalAsks = map[string]string{
	"api_req_failed":          "API request failed",
	"payment_required_prompt": "Payment required",
}

// IsTerminalKilocodeEvent reports whether a kilocode payload signals an
// unrecoverable state. The execution must then be force-completed because
// the worker will hang waiting for an answer.
func IsTerminalKilocodeEvent(data json.RawMessage) TerminalCheck {
	var p struct {
		Type     string `json:"type"`
		Ask      string `json:"ask"`
		Metadata struct {
			Message string `json:"message"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return TerminalCheck{}
	}
	if p.Type != "ask" {
		return TerminalCheck{}
	}
	reason, ok := terminalAsks[p.Ask]
	if !ok {
		return TerminalCheck{}
	}
	if p.Metadata.Message != "" {
		reason = p.Metadata.Message
	}
	return TerminalCheck{IsTerminal: true, Reason: reason}
}
