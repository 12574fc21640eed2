// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/oauth2"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/dpop"
	"github.com/authrim/authrim/pkg/josekit"
	"github.com/authrim/authrim/pkg/keys"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

// Token type URNs.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"

	TokenTypeIDToken      = "urn:ietf:params:oauth:token-type:id_token"
	TokenTypeAccessToken  = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeDeviceSecret = "urn:openid:params:token-type:device-secret"

	// ScopeDeviceSSO requests a device secret alongside the tokens.
	ScopeDeviceSSO = "device_sso"
)

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope,omitempty"`
	IDToken         string `json:"id_token,omitempty"`
	DeviceSecret    string `json:"device_secret,omitempty"`
	IssuedTokenType string `json:"issued_token_type,omitempty"`
}

// Tokens is the token endpoint service.
type Tokens struct {
	cfg       *config.Config
	codes     store.AuthCodeStore
	sessions  store.SessionStore
	issuer    *TokenIssuer
	keys      *keys.Manager
	dpop      *dpop.Validator
	directory users.Directory
}

// NewTokens builds the service.
func NewTokens(cfg *config.Config, codes store.AuthCodeStore, sessions store.SessionStore,
	issuer *TokenIssuer, km *keys.Manager, dpopValidator *dpop.Validator, directory users.Directory) *Tokens {
	return &Tokens{
		cfg:       cfg,
		codes:     codes,
		sessions:  sessions,
		issuer:    issuer,
		keys:      km,
		dpop:      dpopValidator,
		directory: directory,
	}
}

// ExchangeInput is one token endpoint call.
type ExchangeInput struct {
	Client *clients.Client
	Form   url.Values

	DPoPProof  string
	Method     string
	RequestURL string
}

// Exchange dispatches on grant_type.
func (t *Tokens) Exchange(ctx context.Context, in *ExchangeInput) (*TokenResponse, *AuthError) {
	switch in.Form.Get("grant_type") {
	case GrantAuthorizationCode:
		return t.redeemCode(ctx, in)
	case GrantTokenExchange:
		return t.nativeSSOExchange(ctx, in)
	default:
		return nil, ErrUnsupportedGrantType("unsupported grant_type")
	}
}

func (t *Tokens) redeemCode(ctx context.Context, in *ExchangeInput) (*TokenResponse, *AuthError) {
	code := in.Form.Get("code")
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	rec, err := t.codes.Consume(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		}
		return nil, ErrServerError(err)
	}

	if rec.ClientID != in.Client.ID {
		return nil, ErrInvalidGrant("authorization code was issued to a different client")
	}
	if redirect := in.Form.Get("redirect_uri"); redirect != rec.RedirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if rec.CodeChallenge != "" {
		verifier := in.Form.Get("code_verifier")
		if verifier == "" {
			return nil, ErrInvalidGrant("code_verifier is required")
		}
		if !josekit.ConstantTimeEqual(oauth2.S256ChallengeFromVerifier(verifier), rec.CodeChallenge) {
			return nil, ErrInvalidGrant("PKCE verification failed")
		}
	}

	// Sender constraining: a code bound to a jkt must be redeemed with a
	// proof from the same key.
	jkt := ""
	if in.DPoPProof != "" {
		proof, perr := t.dpop.Validate(ctx, in.DPoPProof, in.Method, in.RequestURL, "")
		if perr != nil {
			return nil, ErrInvalidDPoPProof("proof validation failed").WithCause(perr)
		}
		jkt = proof.JKT
	}
	if rec.DPoPJKT != "" && rec.DPoPJKT != jkt {
		return nil, ErrInvalidDPoPProof("code is bound to a different DPoP key")
	}

	accessToken, err := t.issuer.MintAccessToken(AccessTokenInput{
		Subject:              rec.UserID,
		ClientID:             in.Client.ID,
		Scope:                rec.Scope,
		Audience:             rec.Audience,
		JKT:                  jkt,
		SID:                  rec.SID,
		AuthorizationDetails: string(rec.AuthzDetails),
	})
	if err != nil {
		return nil, ErrServerError(err)
	}

	deviceSecret := ""
	if in.Client.NativeSSOAllowed && slices.Contains(strings.Fields(rec.Scope), ScopeDeviceSSO) {
		deviceSecret = NewDeviceSecret()
	}

	idToken := ""
	if slices.Contains(strings.Fields(rec.Scope), "openid") {
		idToken, err = t.issuer.MintIDToken(IDTokenInput{
			Subject:      rec.UserID,
			ClientID:     in.Client.ID,
			Nonce:        rec.Nonce,
			AuthTime:     rec.AuthTime,
			ACR:          rec.ACR,
			AMR:          rec.AMR,
			SID:          rec.SID,
			AccessToken:  accessToken,
			DeviceSecret: deviceSecret,
		})
		if err != nil {
			return nil, ErrServerError(err)
		}
	}

	// Record the RP against the originating session for logout fan-out.
	if rec.SessionID != "" {
		if aerr := t.sessions.Associate(ctx, rec.SessionID, store.ClientAssociation{
			ClientID:                  in.Client.ID,
			SID:                       rec.SID,
			FrontchannelLogoutURI:     in.Client.FrontchannelLogoutURI,
			BackchannelLogoutURI:      in.Client.BackchannelLogoutURI,
			FrontchannelSessionNeeded: in.Client.FrontchannelLogoutSessionRequired,
			AssociatedAt:              time.Now(),
		}); aerr != nil && !errors.Is(aerr, store.ErrNotFound) {
			logger.Warnw("recording session-client association failed", "client_id", in.Client.ID, "error", aerr)
		}
	}

	tokenType := "Bearer"
	if jkt != "" {
		tokenType = "DPoP"
	}
	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    tokenType,
		ExpiresIn:    int(t.cfg.Lifetimes.AccessToken / time.Second),
		Scope:        rec.Scope,
		IDToken:      idToken,
		DeviceSecret: deviceSecret,
	}, nil
}

type subjectTokenClaims struct {
	Issuer   string   `json:"iss"`
	Subject  string   `json:"sub"`
	Audience any      `json:"aud"`
	AZP      string   `json:"azp"`
	SID      string   `json:"sid"`
	DSHash   string   `json:"ds_hash"`
	Scope    string   `json:"scope"`
	AMR      []string `json:"amr"`
	ACR      string   `json:"acr"`
	AuthTime int64    `json:"auth_time"`
}

// nativeSSOExchange implements the OpenID Connect Native SSO exchange: a
// second app on the same device presents the first app's id_token plus
// the shared device secret and receives its own tokens.
func (t *Tokens) nativeSSOExchange(ctx context.Context, in *ExchangeInput) (*TokenResponse, *AuthError) {
	form := in.Form
	if form.Get("subject_token_type") != TokenTypeIDToken ||
		form.Get("actor_token_type") != TokenTypeDeviceSecret {
		return nil, ErrInvalidRequest("unsupported token exchange combination")
	}
	if !in.Client.NativeSSOAllowed {
		return nil, ErrUnauthorizedClient("client may not use native SSO")
	}
	subjectToken := form.Get("subject_token")
	deviceSecret := form.Get("actor_token")
	if subjectToken == "" || deviceSecret == "" {
		return nil, ErrInvalidRequest("subject_token and actor_token are required")
	}

	jwks := t.keys.JWKS()
	var subject subjectTokenClaims
	if err := josekit.VerifyWithKeySet(subjectToken, &jwks,
		[]jose.SignatureAlgorithm{jose.RS256}, &subject); err != nil {
		return nil, ErrInvalidGrant("subject_token verification failed").WithCause(err)
	}
	if subject.Issuer != t.cfg.IssuerURL {
		return nil, ErrInvalidGrant("subject_token was not issued here")
	}

	// The device secret must be the one hashed into the subject token.
	dsHash, err := josekit.LeftHalfHash(jose.RS256, deviceSecret)
	if err != nil || !josekit.ConstantTimeEqual(subject.DSHash, dsHash) {
		return nil, ErrInvalidGrant("device secret does not match the subject token")
	}

	// Audience rules: the requester is in the subject token's aud, or the
	// subject token's client is on the requester's allowlist. An empty
	// allowlist grants nothing.
	if !audienceContains(subject.Audience, in.Client.ID) &&
		!slices.Contains(in.Client.AllowedSubjectTokenClients, subject.AZP) {
		return nil, ErrInvalidGrant("client may not exchange this subject token")
	}

	// Scope downgrade: requested ∩ subject ∩ client-allowed.
	scope := intersectScopes(form.Get("scope"), subject.Scope, in.Client)

	audience, aerr := t.gatherAudience(form)
	if aerr != nil {
		return nil, aerr
	}

	accessToken, err := t.issuer.MintAccessToken(AccessTokenInput{
		Subject:  subject.Subject,
		ClientID: in.Client.ID,
		Scope:    scope,
		Audience: audience,
		SID:      subject.SID,
	})
	if err != nil {
		return nil, ErrServerError(err)
	}
	idToken, err := t.issuer.MintIDToken(IDTokenInput{
		Subject:      subject.Subject,
		ClientID:     in.Client.ID,
		AuthTime:     time.Unix(subject.AuthTime, 0),
		ACR:          subject.ACR,
		AMR:          subject.AMR,
		SID:          subject.SID,
		AccessToken:  accessToken,
		DeviceSecret: deviceSecret,
	})
	if err != nil {
		return nil, ErrServerError(err)
	}

	return &TokenResponse{
		AccessToken:     accessToken,
		TokenType:       "Bearer",
		ExpiresIn:       int(t.cfg.Lifetimes.AccessToken / time.Second),
		Scope:           scope,
		IDToken:         idToken,
		DeviceSecret:    deviceSecret,
		IssuedTokenType: TokenTypeAccessToken,
	}, nil
}

func intersectScopes(requested, subjectScope string, client *clients.Client) string {
	subjectSet := strings.Fields(subjectScope)
	allowed := client.GetScopes()
	var out []string
	source := strings.Fields(requested)
	if len(source) == 0 {
		source = subjectSet
	}
	for _, s := range source {
		if !slices.Contains(subjectSet, s) && subjectScope != "" {
			continue
		}
		if len(allowed) > 0 && !allowed.Has(s) {
			continue
		}
		out = append(out, s)
	}
	return strings.Join(out, " ")
}

// gatherAudience collects repeated resource/audience parameters, bounded
// by the configured maximum.
func (t *Tokens) gatherAudience(form url.Values) ([]string, *AuthError) {
	maxAud := t.cfg.Features.MaxAudiences
	if maxAud <= 0 {
		maxAud = 10
	}
	var out []string
	seen := make(map[string]bool)
	for _, key := range []string{"resource", "audience"} {
		for _, v := range form[key] {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
			if len(out) > maxAud {
				return nil, ErrInvalidRequest("too many resource/audience values")
			}
		}
	}
	return out, nil
}
