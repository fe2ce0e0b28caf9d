// SPDX-License-Identifier: MIT

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestStaticProvider_ValidateAPIKey(t *testing.T) {
	p := NewStaticProvider("secret", "u1", "Alice")

	id, err := p.ValidateAPIKey(context.Background(), "secret")
	if err != nil {
		t.Fatalf("exact match rejected: %v", err)
	}
	if id.UserID != "u1" || id.UserName != "Alice" {
		t.Errorf("wrong identity: %+v", id)
	}

	if _, err := p.ValidateAPIKey(context.Background(), "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("mismatch accepted: %v", err)
	}
	if _, err := p.ValidateAPIKey(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty key accepted: %v", err)
	}
}

func TestStaticProvider_FailsClosedWithoutKey(t *testing.T) {
	p := NewStaticProvider("", "u1", "Alice")
	if _, err := p.ValidateAPIKey(context.Background(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unset key must fail closed: %v", err)
	}
}

func TestStaticProvider_ResolveCookie(t *testing.T) {
	p := NewStaticProvider("secret", "u1", "Alice")

	id, err := p.ResolveCookie(context.Background(), "other=x; "+SessionCookie+"=secret")
	if err != nil {
		t.Fatalf("valid cookie rejected: %v", err)
	}
	if id.UserID != "u1" {
		t.Errorf("wrong identity: %+v", id)
	}

	if _, err := p.ResolveCookie(context.Background(), SessionCookie+"=wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("bad cookie accepted: %v", err)
	}
	if _, err := p.ResolveCookie(context.Background(), "other=x"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("absent session cookie accepted: %v", err)
	}
}

func TestHTTPProvider_ValidateAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/validate-key" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"userId":"u42","userName":"Bob"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, zerolog.Nop())
	id, err := p.ValidateAPIKey(context.Background(), "some-key")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if id.UserID != "u42" || id.UserName != "Bob" {
		t.Errorf("wrong identity: %+v", id)
	}
}

func TestHTTPProvider_ErrorsCollapseToUnauthorized(t *testing.T) {
	deny := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer deny.Close()

	p := NewHTTPProvider(deny.URL, zerolog.Nop())
	if _, err := p.ValidateAPIKey(context.Background(), "k"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-200 must be ErrUnauthorized, got %v", err)
	}

	// Unreachable backend.
	p = NewHTTPProvider("http://127.0.0.1:1", zerolog.Nop())
	if _, err := p.ResolveCookie(context.Background(), "a=b"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("transport error must be ErrUnauthorized, got %v", err)
	}

	// Empty userId in an otherwise valid response.
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"userId":""}`))
	}))
	defer empty.Close()
	p = NewHTTPProvider(empty.URL, zerolog.Nop())
	if _, err := p.ValidateAPIKey(context.Background(), "k"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("identity without userId must be rejected, got %v", err)
	}
}
