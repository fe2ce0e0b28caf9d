// SPDX-License-Identifier: MIT

package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSessionAttributes(t *testing.T) {
	attrs := SessionAttributes("sess-1", "runner-1", true)
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
	verifyAttribute(t, attrs, SessionIDKey, "sess-1")
	verifyAttribute(t, attrs, RunnerIDKey, "runner-1")
	verifyBoolAttribute(t, attrs, SessionEphemeralKey, true)

	// No runner bound yet: the runner key is omitted, not empty.
	attrs = SessionAttributes("sess-2", "", false)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if string(attr.Key) == RunnerIDKey {
			t.Error("runner key present despite empty runner id")
		}
	}
}

func TestPushAttributes(t *testing.T) {
	attrs := PushAttributes("permission_request", 3)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	verifyAttribute(t, attrs, PushEventKey, "permission_request")
	verifyIntAttribute(t, attrs, PushEndpointsKey, 3)
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes("spawn_timeout")
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "spawn_timeout")
}

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}
