// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across relay spans.
const (
	SessionIDKey        = "session.id"
	SessionEphemeralKey = "session.ephemeral"
	RunnerIDKey         = "runner.id"

	PushEventKey     = "push.event"
	PushEndpointsKey = "push.endpoints"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// SessionAttributes tags a span with the session it operates on.
func SessionAttributes(sessionID, runnerID string, ephemeral bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(SessionIDKey, sessionID),
		attribute.Bool(SessionEphemeralKey, ephemeral),
	}
	if runnerID != "" {
		attrs = append(attrs, attribute.String(RunnerIDKey, runnerID))
	}
	return attrs
}

// PushAttributes tags a span with the notification kind and fan-out width.
func PushAttributes(event string, endpoints int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(PushEventKey, event),
		attribute.Int(PushEndpointsKey, endpoints),
	}
}

// ErrorAttributes marks a span failed with a stable error type label.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
