// SPDX-License-Identifier: MIT

// Package auth gates every relay surface: API keys for runners and producer
// TUIs, browser cookies with origin checks for viewers, and org-scoped signed
// tokens for multi-tenant deployments.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized is the generic rejection for every authentication failure.
// Callers never learn which check failed.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller of a socket or HTTP request.
type Identity struct {
	UserID   string
	UserName string
}

// OrgContext is the resolved multi-tenant request context.
type OrgContext struct {
	UserID  string
	OrgID   string
	OrgSlug string
	Role    string
}

// Provider validates raw credentials against the configured auth backend.
type Provider interface {
	// ValidateAPIKey resolves an API key to an identity.
	ValidateAPIKey(ctx context.Context, key string) (Identity, error)
	// ResolveCookie resolves a raw Cookie header to an identity.
	ResolveCookie(ctx context.Context, rawCookieHeader string) (Identity, error)
}

type ctxKey int

const (
	identityKey ctxKey = iota
	orgKey
)

// ContextWithIdentity stores the authenticated identity on the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity placed by one of the gate
// middlewares, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// ContextWithOrg stores the resolved org context on the context.
func ContextWithOrg(ctx context.Context, oc OrgContext) context.Context {
	return context.WithValue(ctx, orgKey, oc)
}

// OrgFromContext returns the org context resolved by RequireOrgContext.
func OrgFromContext(ctx context.Context) (OrgContext, bool) {
	oc, ok := ctx.Value(orgKey).(OrgContext)
	return oc, ok
}
