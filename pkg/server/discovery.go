// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/authrim/authrim/pkg/oauth"
)

// handleDiscovery serves the OpenID Provider metadata document.
func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	issuer := s.cfg.IssuerURL
	doc := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"pushed_authorization_request_endpoint": issuer + "/par",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"end_session_endpoint":                  issuer + "/logout",
		"check_session_iframe":                  issuer + "/session/check",

		"response_types_supported": []string{
			"code", "id_token", "token",
			"code id_token", "code token", "id_token token",
			"code id_token token", "none",
		},
		"response_modes_supported": []string{
			"query", "fragment", "form_post",
			"query.jwt", "fragment.jwt", "form_post.jwt", "jwt",
		},
		"grant_types_supported": []string{
			oauth.GrantAuthorizationCode,
			oauth.GrantTokenExchange,
		},
		"scopes_supported": []string{
			"openid", "profile", "email", "phone", "address", "device_sso",
		},
		"subject_types_supported":               []string{"public", "pairwise"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"authorization_signing_alg_values_supported": []string{"RS256"},
		"dpop_signing_alg_values_supported": []string{
			"RS256", "RS384", "RS512", "PS256", "PS384", "PS512",
			"ES256", "ES384", "ES512", "EdDSA",
		},
		"token_endpoint_auth_methods_supported": []string{
			"client_secret_basic", "client_secret_post", "private_key_jwt", "none",
		},
		"token_endpoint_auth_signing_alg_values_supported": []string{
			"RS256", "PS256", "ES256",
		},

		"request_parameter_supported":                    true,
		"request_uri_parameter_supported":                true,
		"require_pushed_authorization_requests":          false,
		"authorization_response_iss_parameter_supported": true,
		"claims_parameter_supported":                     true,
		"authorization_details_types_supported":          s.cfg.Features.RARAllowedTypes,

		"frontchannel_logout_supported":         true,
		"frontchannel_logout_session_supported": true,
		"backchannel_logout_supported":          true,
		"backchannel_logout_session_supported":  true,
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleJWKS serves the public signing keys.
func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Keys.JWKS())
}

// handleHealth reports shard liveness for the auth code store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.deps.Codes.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"shards": statuses,
	})
}
