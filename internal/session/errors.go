// SPDX-License-Identifier: MIT

package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks at the HTTP boundary.
var (
	ErrSessionNotFound   = errors.New("session: not found")
	ErrExecutionNotFound = errors.New("session: execution not found")
	ErrLeaseNotFound     = errors.New("session: lease not found")
	ErrLeaseExpired      = errors.New("session: lease expired")
)

// ConflictError is returned when an execution is already active for the
// session. It carries the active execution id so callers can attach to the
// existing stream instead of erroring opaquely.
type ConflictError struct {
	ActiveExecutionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session: execution %s already active", e.ActiveExecutionID)
}

// Retryable implements the retry classification contract. A conflict is a
// caller decision point, never something to blindly re-attempt.
func (e *ConflictError) Retryable() bool { return false }
