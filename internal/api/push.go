// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/pizzapi/relay/internal/store"
)

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	EnabledEvents []string `json:"enabledEvents,omitempty"`
}

// handlePushSubscribe registers a browser push subscription. Re-registering
// the same endpoint replaces keys and event filters in place.
func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req subscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint and keys are required")
		return
	}

	err := s.store.UpsertSubscription(r.Context(), &store.PushSubscription{
		UserID:        identity.UserID,
		Endpoint:      req.Endpoint,
		P256dh:        req.Keys.P256dh,
		Auth:          req.Keys.Auth,
		EnabledEvents: req.EnabledEvents,
	})
	if err != nil {
		writeServiceUnavailable(w)
		return
	}

	s.logger.Info().
		Str("event", "api.push_subscribed").
		Str("user_id", identity.UserID).
		Msg("push subscription registered")
	w.WriteHeader(http.StatusNoContent)
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// handlePushUnsubscribe drops the subscription for one endpoint. Unknown
// endpoints succeed so retries are harmless.
func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req unsubscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	if err := s.store.RemoveSubscription(r.Context(), identity.UserID, req.Endpoint); err != nil {
		writeServiceUnavailable(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVAPIDPublicKey hands browsers the application server key they need
// to call PushManager.subscribe. 404 when web push is not configured.
func (s *Server) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if s.cfg.VAPIDPublicKey == "" {
		writeError(w, http.StatusNotFound, "web push not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.cfg.VAPIDPublicKey})
}
