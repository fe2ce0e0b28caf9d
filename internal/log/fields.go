// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID      = "session_id"
	FieldRequestID      = "request_id"
	FieldConnID         = "conn_id"
	FieldUserID         = "user_id"
	FieldRunnerID       = "runner_id"
	FieldSubscriptionID = "subscription_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldNamespace = "namespace"
	FieldSeq       = "seq"

	// Network fields
	FieldOrigin     = "origin"
	FieldRemoteAddr = "remote_addr"
	FieldTopic      = "topic"

	// Path / URL fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"
)
