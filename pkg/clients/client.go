// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package clients holds the OAuth client registry: the client model, the
// redirect URI matching rules, and a read-through cached registry over a
// pluggable backing store.
package clients

import (
	"net"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// Token endpoint auth methods.
const (
	AuthMethodNone          = "none"
	AuthMethodBasic         = "client_secret_basic"
	AuthMethodPost          = "client_secret_post"
	AuthMethodPrivateKeyJWT = "private_key_jwt"
)

// Client is a registered OAuth client.
type Client struct {
	ID            string   `json:"client_id"`
	Name          string   `json:"client_name,omitempty"`
	SecretHash    []byte   `json:"-"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
	Audience      []string `json:"audience,omitempty"`
	Public        bool     `json:"public,omitempty"`
	TenantID      string   `json:"tenant_id,omitempty"`

	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// Request object settings (JAR).
	JWKSURI                    string               `json:"jwks_uri,omitempty"`
	JWKS                       *jose.JSONWebKeySet  `json:"jwks,omitempty"`
	RequireSignedRequestObject bool                 `json:"require_signed_request_object,omitempty"`
	RequirePushedRequests      bool                 `json:"require_pushed_authorization_requests,omitempty"`

	// Response signing/encryption (JARM).
	AuthorizationSignedResponseAlg    string `json:"authorization_signed_response_alg,omitempty"`
	AuthorizationEncryptedResponseAlg string `json:"authorization_encrypted_response_alg,omitempty"`
	AuthorizationEncryptedResponseEnc string `json:"authorization_encrypted_response_enc,omitempty"`

	// Sender constraining.
	DPoPBoundAccessTokens bool `json:"dpop_bound_access_tokens,omitempty"`

	// Logout endpoints.
	FrontchannelLogoutURI             string   `json:"frontchannel_logout_uri,omitempty"`
	FrontchannelLogoutSessionRequired bool     `json:"frontchannel_logout_session_required,omitempty"`
	BackchannelLogoutURI              string   `json:"backchannel_logout_uri,omitempty"`
	PostLogoutRedirectURIs            []string `json:"post_logout_redirect_uris,omitempty"`

	// Consent policy.
	SkipConsent bool `json:"skip_consent,omitempty"`

	// AllowAnonymousPromptNone lets prompt=none succeed against an
	// anonymous session.
	AllowAnonymousPromptNone bool `json:"allow_anonymous_prompt_none,omitempty"`

	// Native SSO device grant. AllowedSubjectTokenClients is consulted
	// when this client exchanges another client's id_token; empty means
	// no cross-client exchange.
	NativeSSOAllowed           bool     `json:"native_sso_allowed,omitempty"`
	AllowedSubjectTokenClients []string `json:"allowed_subject_token_clients,omitempty"`
}

// GetID implements fosite.Client.
func (c *Client) GetID() string { return c.ID }

// GetHashedSecret implements fosite.Client.
func (c *Client) GetHashedSecret() []byte { return c.SecretHash }

// GetRedirectURIs implements fosite.Client.
func (c *Client) GetRedirectURIs() []string { return c.RedirectURIs }

// GetGrantTypes implements fosite.Client.
func (c *Client) GetGrantTypes() fosite.Arguments {
	if len(c.GrantTypes) == 0 {
		return fosite.Arguments{"authorization_code"}
	}
	return fosite.Arguments(c.GrantTypes)
}

// GetResponseTypes implements fosite.Client.
func (c *Client) GetResponseTypes() fosite.Arguments {
	if len(c.ResponseTypes) == 0 {
		return fosite.Arguments{"code"}
	}
	return fosite.Arguments(c.ResponseTypes)
}

// GetScopes implements fosite.Client.
func (c *Client) GetScopes() fosite.Arguments { return fosite.Arguments(c.Scopes) }

// IsPublic implements fosite.Client.
func (c *Client) IsPublic() bool { return c.Public }

// GetAudience implements fosite.Client.
func (c *Client) GetAudience() fosite.Arguments { return fosite.Arguments(c.Audience) }

// CheckSecret verifies a presented client secret against the stored bcrypt
// hash.
func (c *Client) CheckSecret(secret string) bool {
	if len(c.SecretHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(c.SecretHash, []byte(secret)) == nil
}

// HashSecret bcrypt-hashes a client secret for storage.
func HashSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

// AuthMethod returns the effective token endpoint auth method.
func (c *Client) AuthMethod() string {
	if c.TokenEndpointAuthMethod != "" {
		return c.TokenEndpointAuthMethod
	}
	if c.Public {
		return AuthMethodNone
	}
	return AuthMethodBasic
}

// MatchRedirectURI reports whether the requested URI matches a registered
// one. Comparison is URL-normalized (scheme and host lowercased, default
// ports stripped, a lone trailing slash on the path ignored), and RFC 8252
// loopback clients may vary the port.
func (c *Client) MatchRedirectURI(requested string) bool {
	for _, registered := range c.RedirectURIs {
		if matchesRedirectURI(requested, registered) {
			return true
		}
	}
	return false
}

func matchesRedirectURI(requested, registered string) bool {
	if normalizeRedirectURI(requested) == normalizeRedirectURI(registered) {
		return true
	}
	return matchesAsLoopback(requested, registered)
}

// normalizeRedirectURI canonicalizes for comparison only; the stored and
// echoed redirect_uri values are never rewritten.
func normalizeRedirectURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case port == "80" && u.Scheme == schemeHTTP,
		port == "443" && u.Scheme == schemeHTTPS,
		port == "":
		u.Host = host
	default:
		u.Host = net.JoinHostPort(host, port)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// matchesAsLoopback applies RFC 8252 Section 7.3: http scheme, loopback
// host, any port, path and query exact.
func matchesAsLoopback(requested, registered string) bool {
	req, err := url.Parse(requested)
	if err != nil {
		return false
	}
	reg, err := url.Parse(registered)
	if err != nil {
		return false
	}
	if req.Scheme != schemeHTTP || reg.Scheme != schemeHTTP {
		return false
	}
	if !IsLoopbackHost(req.Hostname()) || !IsLoopbackHost(reg.Hostname()) {
		return false
	}
	if !strings.EqualFold(req.Hostname(), reg.Hostname()) {
		return false
	}
	return req.Path == reg.Path && req.RawQuery == reg.RawQuery
}

// IsLoopbackHost reports whether the hostname is 127.0.0.1, ::1, or
// localhost.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// MatchPostLogoutRedirectURI checks a post-logout redirect against the
// registered list with the same normalization.
func (c *Client) MatchPostLogoutRedirectURI(requested string) bool {
	for _, registered := range c.PostLogoutRedirectURIs {
		if normalizeRedirectURI(requested) == normalizeRedirectURI(registered) {
			return true
		}
	}
	return false
}

// Compile-time interface compliance check.
var _ fosite.Client = (*Client)(nil)
