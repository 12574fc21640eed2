// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/tidwall/gjson"

	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/josekit"
	"github.com/authrim/authrim/pkg/keys"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/users"
)

// TokenIssuer mints the server's signed artefacts.
type TokenIssuer struct {
	cfg       *config.Config
	keys      *keys.Manager
	directory users.Directory
}

// NewTokenIssuer builds an issuer.
func NewTokenIssuer(cfg *config.Config, km *keys.Manager, directory users.Directory) *TokenIssuer {
	return &TokenIssuer{cfg: cfg, keys: km, directory: directory}
}

// AccessTokenInput parameterizes one access token.
type AccessTokenInput struct {
	Subject  string
	ClientID string
	Scope    string
	Audience []string
	// JKT sender-constrains the token (cnf.jkt) when non-empty.
	JKT string
	SID string
	// AuthorizationDetails carries through sanitized RAR payloads.
	AuthorizationDetails string
	Lifetime             time.Duration
}

// MintAccessToken issues an RS256 JWT access token.
func (i *TokenIssuer) MintAccessToken(in AccessTokenInput) (string, error) {
	mat := i.keys.Active()
	now := time.Now()
	lifetime := in.Lifetime
	if lifetime <= 0 {
		lifetime = i.cfg.Lifetimes.AccessToken
	}
	aud := in.Audience
	if len(aud) == 0 {
		aud = []string{i.cfg.IssuerURL}
	}
	claims := map[string]any{
		"iss":       i.cfg.IssuerURL,
		"sub":       in.Subject,
		"aud":       audClaim(aud),
		"client_id": in.ClientID,
		"scope":     in.Scope,
		"jti":       sharding.NewJTI(),
		"iat":       now.Unix(),
		"exp":       now.Add(lifetime).Unix(),
	}
	if in.JKT != "" {
		claims["cnf"] = map[string]any{"jkt": in.JKT}
	}
	if in.SID != "" {
		claims["sid"] = in.SID
	}
	if in.AuthorizationDetails != "" {
		claims["authorization_details"] = gjson.Parse(in.AuthorizationDetails).Value()
	}
	return josekit.SignClaims(claims, mat.Key, mat.KID, jose.RS256, "at+jwt")
}

// IDTokenInput parameterizes one ID token.
type IDTokenInput struct {
	Subject  string
	ClientID string
	Audience []string
	Nonce    string
	AuthTime time.Time
	ACR      string
	AMR      []string
	SID      string

	// Code / AccessToken / DeviceSecret, when present, produce c_hash /
	// at_hash / ds_hash.
	Code         string
	AccessToken  string
	DeviceSecret string

	SessionState string

	// ExtraClaims merge in last (scope-based user claims for the pure
	// id_token response type).
	ExtraClaims map[string]any

	Lifetime time.Duration
}

// MintIDToken issues an RS256 ID token with the applicable hash claims.
func (i *TokenIssuer) MintIDToken(in IDTokenInput) (string, error) {
	mat := i.keys.Active()
	now := time.Now()
	lifetime := in.Lifetime
	if lifetime <= 0 {
		lifetime = i.cfg.Lifetimes.IDToken
	}
	aud := in.Audience
	if len(aud) == 0 {
		aud = []string{in.ClientID}
	}
	claims := map[string]any{
		"iss": i.cfg.IssuerURL,
		"sub": in.Subject,
		"aud": audClaim(aud),
		"azp": in.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
	}
	if in.Nonce != "" {
		claims["nonce"] = in.Nonce
	}
	if !in.AuthTime.IsZero() {
		claims["auth_time"] = in.AuthTime.Unix()
	}
	if in.ACR != "" {
		claims["acr"] = in.ACR
	}
	if len(in.AMR) > 0 {
		claims["amr"] = in.AMR
	}
	if in.SID != "" {
		claims["sid"] = in.SID
	}
	if in.SessionState != "" {
		claims["session_state"] = in.SessionState
	}
	for name, source := range map[string]string{
		"c_hash":  in.Code,
		"at_hash": in.AccessToken,
		"ds_hash": in.DeviceSecret,
	} {
		if source == "" {
			continue
		}
		h, err := josekit.LeftHalfHash(jose.RS256, source)
		if err != nil {
			return "", fmt.Errorf("computing %s: %w", name, err)
		}
		claims[name] = h
	}
	for k, v := range in.ExtraClaims {
		claims[k] = v
	}
	return josekit.SignClaims(claims, mat.Key, mat.KID, jose.RS256, "JWT")
}

// HintClaims is the subset of an id_token_hint the state machine uses.
type HintClaims struct {
	Subject  string `json:"sub"`
	AuthTime int64  `json:"auth_time"`
	ACR      string `json:"acr"`
	SID      string `json:"sid"`
	Audience any    `json:"aud"`
}

// VerifyIDTokenHint checks the hint signature against our own JWKS.
// Expiry is deliberately not enforced: an expired hint still names the
// user the client believes is signed in.
func (i *TokenIssuer) VerifyIDTokenHint(hint string) (*HintClaims, error) {
	jwks := i.keys.JWKS()
	var claims HintClaims
	if err := josekit.VerifyWithKeySet(hint, &jwks, []jose.SignatureAlgorithm{jose.RS256}, &claims); err != nil {
		return nil, fmt.Errorf("id_token_hint verification failed: %w", err)
	}
	return &claims, nil
}

// ScopeClaims assembles the scope-based user claims (profile, email,
// phone, address) for the pure id_token response type.
func (i *TokenIssuer) ScopeClaims(ctx context.Context, userID string, scopes []string) map[string]any {
	profile, err := i.directory.GetProfile(ctx, userID)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	for _, scope := range scopes {
		switch scope {
		case "profile":
			setIfNotEmpty(out, "name", profile.Name)
			setIfNotEmpty(out, "given_name", profile.GivenName)
			setIfNotEmpty(out, "family_name", profile.FamilyName)
			setIfNotEmpty(out, "locale", profile.Locale)
			setIfNotEmpty(out, "picture", profile.Picture)
		case "email":
			if profile.Email != "" {
				out["email"] = profile.Email
				out["email_verified"] = profile.EmailVerified
			}
		case "phone":
			if profile.PhoneNumber != "" {
				out["phone_number"] = profile.PhoneNumber
				out["phone_number_verified"] = profile.PhoneVerified
			}
		case "address":
			if profile.Address != "" {
				out["address"] = map[string]any{"formatted": profile.Address}
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// audClaim collapses a single audience to a bare string.
func audClaim(aud []string) any {
	if len(aud) == 1 {
		return aud[0]
	}
	return aud
}

// ComputeSessionState derives the OIDC Session Management session_state:
// SHA-256 over "client_id rp_origin browser_state salt", dot, salt. The
// value is omitted (empty return) when the RP origin cannot be extracted;
// callers pass the result through as-is.
func ComputeSessionState(clientID, redirectURI, browserState string) string {
	origin := rpOrigin(redirectURI)
	if origin == "" || clientID == "" || browserState == "" {
		return ""
	}
	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return ""
	}
	salt := hex.EncodeToString(saltBytes)
	sum := sha256.Sum256([]byte(clientID + " " + origin + " " + browserState + " " + salt))
	return base64.RawURLEncoding.EncodeToString(sum[:]) + "." + salt
}

// VerifySessionState recomputes a session_state against its embedded
// salt; the session-check iframe endpoint uses this.
func VerifySessionState(sessionState, clientID, origin, browserState string) bool {
	dot := -1
	for i := len(sessionState) - 1; i >= 0; i-- {
		if sessionState[i] == '.' {
			dot = i
			break
		}
	}
	if dot <= 0 {
		return false
	}
	hash, salt := sessionState[:dot], sessionState[dot+1:]
	sum := sha256.Sum256([]byte(clientID + " " + origin + " " + browserState + " " + salt))
	return josekit.ConstantTimeEqual(hash, base64.RawURLEncoding.EncodeToString(sum[:]))
}

// rpOrigin extracts scheme://host[:port] from a redirect URI.
func rpOrigin(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// NewBrowserState mints the random value for the authrim_browser_state
// cookie.
func NewBrowserState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// NewDeviceSecret mints a native SSO device secret.
func NewDeviceSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
