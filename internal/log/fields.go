// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldEventID   = "event_id"
	FieldItemID    = "item_id"
	FieldSessionID = "session_id"
	FieldInfohash  = "infohash"
	FieldService   = "svc"
	FieldBackend   = "backend"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath        = "path"
	FieldSymlinkPath = "symlink_path"
)
