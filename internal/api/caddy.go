// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strings"

	"golang.org/x/net/idna"
)

// handleCaddyValidate answers Caddy's on-demand TLS ask endpoint. A 200
// authorizes certificate issuance for the domain, so the check is strict:
// only <org-slug>.<anything> qualifies, and single-tenant deployments
// (no ORG_SLUG) refuse everything.
func (s *Server) handleCaddyValidate(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if s.cfg.OrgSlug == "" || domain == "" {
		writeError(w, http.StatusNotFound, "domain not served here")
		return
	}

	ascii, err := idna.Lookup.ToASCII(strings.ToLower(strings.TrimSuffix(domain, ".")))
	if err != nil {
		writeError(w, http.StatusNotFound, "domain not served here")
		return
	}

	label, _, found := strings.Cut(ascii, ".")
	if !found || label != strings.ToLower(s.cfg.OrgSlug) {
		s.logger.Debug().
			Str("event", "api.caddy_rejected").
			Str("domain", domain).
			Msg("on-demand tls refused")
		writeError(w, http.StatusNotFound, "domain not served here")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"domain": ascii})
}
