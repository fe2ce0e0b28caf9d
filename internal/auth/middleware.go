// SPDX-License-Identifier: MIT

package auth

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Gate bundles the relay's authentication surfaces into middleware
// constructors, one per namespace class.
type Gate struct {
	provider Provider
	origins  *Origins
	verifier *TokenVerifier // nil outside multi-tenant mode
	logger   zerolog.Logger
}

// NewGate wires a gate. verifier may be nil; RequireRunner then accepts API
// keys only and RequireOrgContext rejects everything.
func NewGate(provider Provider, origins *Origins, verifier *TokenVerifier, logger zerolog.Logger) *Gate {
	return &Gate{
		provider: provider,
		origins:  origins,
		verifier: verifier,
		logger:   logger,
	}
}

// RequireAPIKey gates producer TUIs: the handshake carries an API key, any
// failure is a generic 401.
func (g *Gate) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.provider.ValidateAPIKey(r.Context(), ExtractAPIKey(r))
		if err != nil {
			g.logger.Warn().
				Str("event", "auth.api_key_rejected").
				Str("path", r.URL.Path).
				Msg("api key rejected")
			denyUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

// RequireCookie gates browser namespaces. The Origin header is checked before
// any cookie is read: absent is allowed (non-browser client), present but
// untrusted is rejected.
func (g *Gate) RequireCookie(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !g.origins.Contains(origin) {
			g.logger.Warn().
				Str("event", "auth.origin_rejected").
				Str("origin", origin).
				Str("path", r.URL.Path).
				Msg("untrusted origin")
			denyForbidden(w)
			return
		}

		id, err := g.provider.ResolveCookie(r.Context(), r.Header.Get("Cookie"))
		if err != nil {
			g.logger.Warn().
				Str("event", "auth.cookie_rejected").
				Str("path", r.URL.Path).
				Msg("session cookie rejected")
			denyUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

// RequireUser gates the REST surface: an API key when one is presented (CLI
// clients), the browser cookie flow otherwise.
func (g *Gate) RequireUser(next http.Handler) http.Handler {
	viaKey := g.RequireAPIKey(next)
	viaCookie := g.RequireCookie(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ExtractAPIKey(r) != "" {
			viaKey.ServeHTTP(w, r)
			return
		}
		viaCookie.ServeHTTP(w, r)
	})
}

// RequireRunner gates the runner namespace: an API key or, in multi-tenant
// mode, an org-scoped runner token. Nothing falls through to anonymous.
func (g *Gate) RequireRunner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := ExtractAPIKey(r); key != "" {
			if id, err := g.provider.ValidateAPIKey(r.Context(), key); err == nil {
				next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
				return
			}
		}

		if g.verifier != nil {
			if token := ExtractRunnerToken(r); token != "" {
				if id, err := g.verifier.VerifyRunnerToken(r.Context(), token); err == nil {
					next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
					return
				}
			}
		}

		g.logger.Warn().
			Str("event", "auth.runner_rejected").
			Str("path", r.URL.Path).
			Msg("runner credentials rejected")
		denyUnauthorized(w)
	})
}

// RequireOrgContext gates multi-tenant HTTP routes: a bearer token or the
// org_token cookie must verify and match the process org. The resolved
// context rides on the request context, the request itself is untouched.
func (g *Gate) RequireOrgContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.verifier == nil {
			denyUnauthorized(w)
			return
		}

		raw := bearerToken(r)
		if raw == "" {
			if c, err := r.Cookie("org_token"); err == nil {
				raw = c.Value
			}
		}
		if raw == "" {
			denyUnauthorized(w)
			return
		}

		oc, err := g.verifier.VerifyOrgToken(r.Context(), raw)
		if err != nil {
			g.logger.Warn().
				Str("event", "auth.org_token_rejected").
				Str("path", r.URL.Path).
				Msg("org token rejected")
			denyUnauthorized(w)
			return
		}

		ctx := ContextWithOrg(r.Context(), oc)
		ctx = ContextWithIdentity(ctx, Identity{UserID: oc.UserID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey pulls the API key off a handshake or HTTP request, in
// priority order:
//  1. X-Api-Key header
//  2. Authorization: Bearer <key>
//  3. apiKey query parameter
func ExtractAPIKey(r *http.Request) string {
	if k := r.Header.Get("X-Api-Key"); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if k := r.URL.Query().Get("apiKey"); k != "" {
		return k
	}
	return ""
}

// ExtractRunnerToken pulls the signed runner token: X-Runner-Token header,
// then the token query parameter.
func ExtractRunnerToken(r *http.Request) string {
	if t := r.Header.Get("X-Runner-Token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func denyUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}

func denyForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"forbidden"}`))
}
