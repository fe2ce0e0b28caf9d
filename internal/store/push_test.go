// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"testing"
)

func TestUpsertSubscription_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := &PushSubscription{
		UserID:   "u1",
		Endpoint: "https://push.example/ep-1",
		P256dh:   "key-a",
		Auth:     "auth-a",
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	// Browser re-subscribes with rotated keys and a filter.
	sub.P256dh = "key-b"
	sub.EnabledEvents = []string{"agent_finished", "agent_error"}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	subs, err := s.SubscriptionsForUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected one subscription, got %d", len(subs))
	}
	if subs[0].P256dh != "key-b" {
		t.Errorf("keys not refreshed: %q", subs[0].P256dh)
	}
	if len(subs[0].EnabledEvents) != 2 {
		t.Errorf("enabled events not stored: %v", subs[0].EnabledEvents)
	}
}

func TestSubscription_EventFilter(t *testing.T) {
	all := &PushSubscription{}
	if !all.EventEnabled("agent_finished") {
		t.Error("empty filter must allow everything")
	}

	filtered := &PushSubscription{EnabledEvents: []string{"agent_error"}}
	if filtered.EventEnabled("agent_finished") {
		t.Error("filter let through a disabled kind")
	}
	if !filtered.EventEnabled("agent_error") {
		t.Error("filter blocked an enabled kind")
	}
}

func TestRemoveSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ep := range []string{"https://push.example/ep-1", "https://push.example/ep-2"} {
		if err := s.UpsertSubscription(ctx, &PushSubscription{UserID: "u1", Endpoint: ep, P256dh: "k", Auth: "a"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.RemoveSubscription(ctx, "u1", "https://push.example/ep-1"); err != nil {
		t.Fatal(err)
	}
	subs, err := s.SubscriptionsForUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/ep-2" {
		t.Errorf("wrong survivors: %+v", subs)
	}

	// Unknown endpoint is a no-op.
	if err := s.RemoveSubscription(ctx, "u1", "https://push.example/gone"); err != nil {
		t.Errorf("remove of unknown endpoint errored: %v", err)
	}
}
