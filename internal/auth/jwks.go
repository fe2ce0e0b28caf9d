// SPDX-License-Identifier: MIT

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// jwksCacheTTL bounds how stale the cached key set may get before the next
// verification triggers a refresh.
const jwksCacheTTL = 5 * time.Minute

var tokenSigningAlgs = []string{"RS256", "ES256"}

// TokenVerifier verifies org-scoped signed tokens against a remote JWKS.
// The key set is cached; concurrent refreshes collapse into one fetch, and a
// failed refresh keeps serving the stale set rather than rejecting everyone.
type TokenVerifier struct {
	jwksURL string
	orgID   string
	client  *http.Client
	logger  zerolog.Logger

	mu        sync.RWMutex
	cached    keyfunc.Keyfunc
	fetchedAt time.Time

	group singleflight.Group
}

// NewTokenVerifier builds a verifier bound to one org.
func NewTokenVerifier(jwksURL, orgID string, logger zerolog.Logger) *TokenVerifier {
	return &TokenVerifier{
		jwksURL: jwksURL,
		orgID:   orgID,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

type runnerClaims struct {
	Type     string `json:"type"`
	OrgID    string `json:"org_id"`
	UserName string `json:"user_name"`
	jwt.RegisteredClaims
}

type orgClaims struct {
	OrgID   string `json:"org_id"`
	OrgSlug string `json:"org_slug"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// VerifyRunnerToken checks a runner-issued token: valid signature, runner
// type, matching org. Anything else is ErrUnauthorized.
func (v *TokenVerifier) VerifyRunnerToken(ctx context.Context, raw string) (Identity, error) {
	kf, err := v.keyfunc(ctx)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}

	var claims runnerClaims
	token, err := jwt.ParseWithClaims(raw, &claims, kf, jwt.WithValidMethods(tokenSigningAlgs))
	if err != nil || !token.Valid {
		return Identity{}, ErrUnauthorized
	}
	if claims.Type != "runner" || claims.OrgID != v.orgID {
		return Identity{}, ErrUnauthorized
	}

	return Identity{UserID: claims.Subject, UserName: claims.UserName}, nil
}

// VerifyOrgToken checks a session-context token for HTTP requests and returns
// the org context it carries.
func (v *TokenVerifier) VerifyOrgToken(ctx context.Context, raw string) (OrgContext, error) {
	kf, err := v.keyfunc(ctx)
	if err != nil {
		return OrgContext{}, ErrUnauthorized
	}

	var claims orgClaims
	token, err := jwt.ParseWithClaims(raw, &claims, kf, jwt.WithValidMethods(tokenSigningAlgs))
	if err != nil || !token.Valid {
		return OrgContext{}, ErrUnauthorized
	}
	if claims.OrgID != v.orgID {
		return OrgContext{}, ErrUnauthorized
	}

	return OrgContext{
		UserID:  claims.Subject,
		OrgID:   claims.OrgID,
		OrgSlug: claims.OrgSlug,
		Role:    claims.Role,
	}, nil
}

// keyfunc returns the cached key set, refreshing it when older than the cache
// TTL. Concurrent callers share one refresh via singleflight.
func (v *TokenVerifier) keyfunc(ctx context.Context) (jwt.Keyfunc, error) {
	if kf, ok := v.fresh(); ok {
		return kf.Keyfunc, nil
	}

	res, err, _ := v.group.Do("jwks", func() (interface{}, error) {
		// A waiter queued behind the winning fetch sees the fresh set here.
		if kf, ok := v.fresh(); ok {
			return kf, nil
		}

		raw, err := v.fetch(ctx)
		if err != nil {
			v.mu.RLock()
			stale := v.cached
			v.mu.RUnlock()
			if stale != nil {
				v.logger.Warn().
					Err(err).
					Str("event", "auth.jwks_refresh_failed").
					Msg("jwks refresh failed, serving stale key set")
				return stale, nil
			}
			return nil, err
		}

		kf, err := keyfunc.NewJWKSetJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("parse jwks: %w", err)
		}

		v.mu.Lock()
		v.cached = kf
		v.fetchedAt = time.Now()
		v.mu.Unlock()

		return kf, nil
	})
	if err != nil {
		v.logger.Warn().Err(err).Str("event", "auth.jwks_unavailable").Msg("jwks fetch failed")
		return nil, err
	}
	return res.(keyfunc.Keyfunc).Keyfunc, nil
}

func (v *TokenVerifier) fresh() (keyfunc.Keyfunc, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cached == nil || time.Since(v.fetchedAt) >= jwksCacheTTL {
		return nil, false
	}
	return v.cached, true
}

func (v *TokenVerifier) fetch(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}
	return raw, nil
}
