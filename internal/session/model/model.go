// SPDX-License-Identifier: MIT

// Package model holds the persisted record types for sessions, executions
// and leases. These are the state-store source of truth; all mutation goes
// through the session actor.
package model

// ExecutionStatus is the execution lifecycle. "running" is the only
// non-terminal state; there are no transitions out of a terminal state.
type ExecutionStatus string

const (
	StatusRunning     ExecutionStatus = "running"
	StatusCompleted   ExecutionStatus = "completed"
	StatusFailed      ExecutionStatus = "failed"
	StatusInterrupted ExecutionStatus = "interrupted"
)

// Terminal reports whether s is a terminal status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// StatusFromExitCode maps a worker exit code to a terminal status.
func StatusFromExitCode(code int) ExecutionStatus {
	if code == 0 {
		return StatusCompleted
	}
	return StatusFailed
}

// SessionRecord is the durable per-session state.
type SessionRecord struct {
	SessionID         string `json:"sessionId"`
	UserID            string `json:"userId"`
	OrgID             string `json:"orgId,omitempty"`
	UpstreamBranch    string `json:"upstreamBranch,omitempty"`
	ActiveExecutionID string `json:"activeExecutionId,omitempty"`

	// Callback target notified when an execution turns terminal. Empty URL
	// means no callback is registered.
	CallbackURL     string            `json:"callbackUrl,omitempty"`
	CallbackHeaders map[string]string `json:"callbackHeaders,omitempty"`

	CreatedAtUnix int64 `json:"createdAtUnix"`
	UpdatedAtUnix int64 `json:"updatedAtUnix"`
}

// ExecutionRecord is one run of an agent task within a session.
type ExecutionRecord struct {
	ExecutionID     string          `json:"executionId"`
	SessionID       string          `json:"sessionId"`
	MessageID       string          `json:"messageId"`
	Status          ExecutionStatus `json:"status"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	StartedAtUnix   int64           `json:"startedAtUnix"`
	CompletedAtUnix int64           `json:"completedAtUnix,omitempty"`
}

// LeaseRecord is the mutual-exclusion token guarding execution starts for
// one session. A record with ExpiresAtUnix in the past is treated as
// absent on every read path; there is no background sweep.
type LeaseRecord struct {
	LeaseID       string `json:"leaseId"`
	ExecutionID   string `json:"executionId"`
	MessageID     string `json:"messageId,omitempty"`
	ExpiresAtUnix int64  `json:"leaseExpiresAt"`
	UpdatedAtUnix int64  `json:"updatedAtUnix"`
}
