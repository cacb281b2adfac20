// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID   = "session_id"
	FieldExecutionID = "execution_id"
	FieldLeaseID     = "lease_id"
	FieldRequestID   = "request_id"
	FieldUserID      = "user_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldEventType = "event_type"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldStatus    = "status"

	// Network fields
	FieldURL        = "url"
	FieldRemoteAddr = "remote_addr"
)
