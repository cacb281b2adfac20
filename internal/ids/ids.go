// SPDX-License-Identifier: MIT

// Package ids implements the prefixed identifier scheme shared by the
// session, execution and callback subsystems.
//
// All identifiers are "<prefix>_<body>" strings. Execution ids use UUIDv7
// bodies so they sort by creation time; lease ids are opaque random UUIDs.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes. These are part of the wire contract and must not change.
const (
	PrefixExecution     = "exc"
	PrefixSession       = "sess"
	PrefixSessionLegacy = "agent"
	PrefixLease         = "lease"
	PrefixUser          = "user"
	PrefixMessage       = "msg"
)

// ClientError marks an identifier problem caused by the caller. It is never
// retryable.
type ClientError struct {
	Msg string
}

func (e *ClientError) Error() string { return e.Msg }

// NewExecutionID returns a fresh execution id. UUIDv7 bodies are
// time-ordered, so executions sort by start time lexicographically.
func NewExecutionID() string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		// rather than propagate an error nobody can act on.
		u = uuid.New()
	}
	return PrefixExecution + "_" + u.String()
}

// NewLeaseID returns a fresh opaque lease id.
func NewLeaseID() string {
	return PrefixLease + "_" + uuid.New().String()
}

// ValidSessionID reports whether id is an acceptable session identifier.
// Both the current "sess_" form and the legacy "agent_" form are accepted.
func ValidSessionID(id string) bool {
	body, ok := splitPrefix(id, PrefixSession)
	if !ok {
		body, ok = splitPrefix(id, PrefixSessionLegacy)
	}
	return ok && body != ""
}

// ValidExecutionID reports whether id is an execution identifier.
func ValidExecutionID(id string) bool {
	body, ok := splitPrefix(id, PrefixExecution)
	return ok && body != ""
}

// ValidUserID reports whether id is a user identifier.
func ValidUserID(id string) bool {
	body, ok := splitPrefix(id, PrefixUser)
	return ok && body != ""
}

// ExecutionIDToMessageID derives the message id associated 1:1 with an
// execution id. A value that is already a message id passes through
// unchanged. Any other prefix is a client error.
func ExecutionIDToMessageID(id string) (string, error) {
	if body, ok := splitPrefix(id, PrefixMessage); ok && body != "" {
		return id, nil
	}
	body, ok := splitPrefix(id, PrefixExecution)
	if !ok || body == "" {
		return "", &ClientError{Msg: fmt.Sprintf("ids: %q is not an execution or message id", id)}
	}
	return PrefixMessage + "_" + body, nil
}

// ExtractUUID strips a single "<prefix>_" from id and returns the body.
// Ids without a prefix are returned unchanged.
func ExtractUUID(id string) string {
	if i := strings.Index(id, "_"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func splitPrefix(id, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(id, prefix+"_")
	if !ok {
		return "", false
	}
	return rest, true
}
