// SPDX-License-Identifier: MIT

package auth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SessionCookie is the browser session cookie consumed by viewer-class
// namespaces.
const SessionCookie = "pizzapi_session"

// StaticProvider is the single-user self-hosted backend: one API key from the
// environment, one fixed identity. The session cookie carries the same key.
type StaticProvider struct {
	apiKey   string
	identity Identity
}

// NewStaticProvider builds a provider around a single shared key.
func NewStaticProvider(apiKey, userID, userName string) *StaticProvider {
	return &StaticProvider{
		apiKey:   apiKey,
		identity: Identity{UserID: userID, UserName: userName},
	}
}

// ValidateAPIKey compares in constant time. An unset key fails closed.
func (p *StaticProvider) ValidateAPIKey(_ context.Context, key string) (Identity, error) {
	if strings.TrimSpace(p.apiKey) == "" || key == "" {
		return Identity{}, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(p.apiKey)) != 1 {
		return Identity{}, ErrUnauthorized
	}
	return p.identity, nil
}

// ResolveCookie accepts the session cookie when its value is the API key.
func (p *StaticProvider) ResolveCookie(ctx context.Context, rawCookieHeader string) (Identity, error) {
	cookies, err := http.ParseCookie(rawCookieHeader)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	for _, c := range cookies {
		if c.Name == SessionCookie && c.Value != "" {
			return p.ValidateAPIKey(ctx, c.Value)
		}
	}
	return Identity{}, ErrUnauthorized
}

// HTTPProvider delegates credential checks to the external auth service.
// Every failure, transport errors included, collapses to ErrUnauthorized.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPProvider builds a provider talking to the auth service at baseURL.
func NewHTTPProvider(baseURL string, logger zerolog.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

func (p *HTTPProvider) ValidateAPIKey(ctx context.Context, key string) (Identity, error) {
	if key == "" {
		return Identity{}, ErrUnauthorized
	}
	return p.post(ctx, "/auth/validate-key", map[string]string{"apiKey": key})
}

func (p *HTTPProvider) ResolveCookie(ctx context.Context, rawCookieHeader string) (Identity, error) {
	if rawCookieHeader == "" {
		return Identity{}, ErrUnauthorized
	}
	return p.post(ctx, "/auth/resolve-cookie", map[string]string{"cookie": rawCookieHeader})
}

func (p *HTTPProvider) post(ctx context.Context, path string, body any) (Identity, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn().Err(err).Str("event", "auth.provider_unreachable").Msg("auth service request failed")
		return Identity{}, ErrUnauthorized
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, ErrUnauthorized
	}

	var out struct {
		UserID   string `json:"userId"`
		UserName string `json:"userName"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil || out.UserID == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{UserID: out.UserID, UserName: out.UserName}, nil
}
