// SPDX-License-Identifier: MIT

// Package push delivers web-push notifications for session lifecycle events.
// Delivery is fire-and-forget: no caller ever learns whether a send worked.
// Endpoints the provider reports gone are unsubscribed on the spot; every
// other failure is only logged.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pizzapi/relay/internal/log"
	"github.com/pizzapi/relay/internal/metrics"
	"github.com/pizzapi/relay/internal/store"
	"github.com/pizzapi/relay/internal/telemetry"
)

const (
	defaultWorkers  = 8
	deliveryTimeout = 10 * time.Second
	messageTTL      = 60 // seconds the push service may retry delivery

	// Push services throttle senders aggressively; staying under their
	// limits beats retrying 429s.
	defaultRateLimit = rate.Limit(50)
	defaultRateBurst = 100
)

// Notification is the payload shown to the user. Type is one of the
// protocol.Push* kinds and doubles as the per-subscription filter key.
type Notification struct {
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Notifier fans a notification out to a user's subscribed endpoints.
type Notifier interface {
	SendToUser(ctx context.Context, userID string, n Notification)
	Close()
}

// Disabled is the notifier used when VAPID keys are not configured.
type Disabled struct{}

func (Disabled) SendToUser(context.Context, string, Notification) {}
func (Disabled) Close()                                           {}

// Config carries the VAPID contact and key pair.
type Config struct {
	Subject    string
	PublicKey  string
	PrivateKey string
	// Workers bounds parallel deliveries across all users.
	Workers int
}

// Service sends notifications through the web-push protocol using a bounded
// worker pool.
type Service struct {
	cfg     Config
	store   *store.Store
	pool    *ants.Pool
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New builds a Service over the subscription store.
func New(cfg Config, st *store.Store) (*Service, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	// Nonblocking: when every worker is busy the send is dropped, never
	// stalling the event ingest path.
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		store:   st,
		pool:    pool,
		limiter: rate.NewLimiter(defaultRateLimit, defaultRateBurst),
		logger:  log.WithComponent("push"),
	}, nil
}

// SendToUser delivers n to every enabled subscription of the user. It
// returns immediately; deliveries run on the pool.
func (s *Service) SendToUser(ctx context.Context, userID string, n Notification) {
	ctx, span := telemetry.Tracer("pizzapi.push").Start(ctx, "push.fan_out")
	defer span.End()

	subs, err := s.store.SubscriptionsForUser(ctx, userID)
	if err != nil {
		span.SetAttributes(telemetry.ErrorAttributes("subscriptions_unavailable")...)
		s.logger.Warn().
			Str("event", "push.subscriptions_unavailable").
			Str("user_id", userID).
			Err(err).
			Msg("skipping push delivery")
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		span.SetAttributes(telemetry.ErrorAttributes("marshal_failed")...)
		s.logger.Warn().
			Str("event", "push.marshal_failed").
			Str("type", n.Type).
			Err(err).
			Msg("skipping push delivery")
		return
	}
	submitted := 0
	for _, sub := range subs {
		if !sub.EventEnabled(n.Type) {
			continue
		}
		sub := sub
		if err := s.pool.Submit(func() { s.deliver(sub, payload) }); err != nil {
			s.logger.Debug().
				Str("event", "push.pool_saturated").
				Str("user_id", userID).
				Msg("dropping push delivery")
			continue
		}
		submitted++
	}
	span.SetAttributes(telemetry.PushAttributes(n.Type, submitted)...)
}

// Close releases the worker pool.
func (s *Service) Close() {
	s.pool.Release()
}

func (s *Service) deliver(sub *store.PushSubscription, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	// The wait shares the delivery deadline; a delivery that cannot get a
	// slot in time is dropped like any other failed send.
	if err := s.limiter.Wait(ctx); err != nil {
		metrics.IncPushDelivery(metrics.PushError)
		s.logger.Debug().
			Str("event", "push.rate_limited").
			Str("user_id", sub.UserID).
			Msg("dropping push delivery")
		return
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.cfg.Subject,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             messageTTL,
	})
	if err != nil {
		metrics.IncPushDelivery(metrics.PushError)
		s.logger.Warn().
			Str("event", "push.delivery_failed").
			Str("user_id", sub.UserID).
			Err(err).
			Msg("push delivery failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		// The push service no longer knows this endpoint.
		metrics.IncPushDelivery(metrics.PushGone)
		if err := s.store.RemoveSubscription(ctx, sub.UserID, sub.Endpoint); err != nil {
			s.logger.Warn().
				Str("event", "push.unsubscribe_failed").
				Str("user_id", sub.UserID).
				Err(err).
				Msg("could not remove gone subscription")
			return
		}
		s.logger.Info().
			Str("event", "push.subscription_gone").
			Str("user_id", sub.UserID).
			Int("status", resp.StatusCode).
			Msg("removed gone subscription")
	case resp.StatusCode >= http.StatusMultipleChoices:
		metrics.IncPushDelivery(metrics.PushError)
		s.logger.Warn().
			Str("event", "push.delivery_rejected").
			Str("user_id", sub.UserID).
			Int("status", resp.StatusCode).
			Msg("push service rejected delivery")
	default:
		metrics.IncPushDelivery(metrics.PushOK)
	}
}
