// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/josekit"
)

const clientAssertionJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientAuthenticator authenticates clients at the PAR and token
// endpoints: HTTP Basic, form body secret, private_key_jwt assertions,
// or bare client_id for public clients.
type ClientAuthenticator struct {
	cfg        *config.Config
	registry   *clients.Registry
	clientKeys *ClientKeys
}

// NewClientAuthenticator builds an authenticator.
func NewClientAuthenticator(cfg *config.Config, registry *clients.Registry, clientKeys *ClientKeys) *ClientAuthenticator {
	return &ClientAuthenticator{cfg: cfg, registry: registry, clientKeys: clientKeys}
}

// Authenticate resolves and authenticates the calling client.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, r *http.Request, form url.Values) (*clients.Client, *AuthError) {
	// private_key_jwt takes precedence when presented.
	if form.Get("client_assertion") != "" {
		return a.authenticateAssertion(ctx, form)
	}

	clientID, secret := "", ""
	viaBasic := false
	if id, pw, ok := r.BasicAuth(); ok {
		clientID, secret, viaBasic = id, pw, true
	} else {
		clientID = form.Get("client_id")
		secret = form.Get("client_secret")
	}
	if clientID == "" {
		return nil, ErrInvalidClient("client authentication is missing")
	}
	if unescaped, err := url.QueryUnescape(clientID); err == nil && viaBasic {
		clientID = unescaped
	}

	client, err := a.registry.Get(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient("client authentication failed").WithCause(err)
	}

	switch client.AuthMethod() {
	case clients.AuthMethodNone:
		return client, nil
	case clients.AuthMethodBasic:
		if !viaBasic || !client.CheckSecret(secret) {
			return nil, ErrInvalidClient("client authentication failed")
		}
	case clients.AuthMethodPost:
		if viaBasic || !client.CheckSecret(secret) {
			return nil, ErrInvalidClient("client authentication failed")
		}
	case clients.AuthMethodPrivateKeyJWT:
		return nil, ErrInvalidClient("client must authenticate with a signed assertion")
	default:
		return nil, ErrInvalidClient("unsupported client authentication method")
	}
	return client, nil
}

type assertionClaims struct {
	Issuer   string `json:"iss"`
	Subject  string `json:"sub"`
	Audience any    `json:"aud"`
	Expiry   int64  `json:"exp"`
	JTI      string `json:"jti"`
}

func (a *ClientAuthenticator) authenticateAssertion(ctx context.Context, form url.Values) (*clients.Client, *AuthError) {
	if form.Get("client_assertion_type") != clientAssertionJWTBearer {
		return nil, ErrInvalidClient("unsupported client_assertion_type")
	}
	assertion := form.Get("client_assertion")

	// The assertion names its issuer; that is the client to load keys
	// for. The signature check below makes the claim trustworthy.
	var unverified assertionClaims
	if perr := peekClaims(assertion, &unverified); perr != nil {
		return nil, ErrInvalidClient("malformed client assertion").WithCause(perr)
	}
	if unverified.Issuer == "" || unverified.Issuer != unverified.Subject {
		return nil, ErrInvalidClient("client assertion iss and sub must both be the client_id")
	}

	client, err := a.registry.Get(ctx, unverified.Issuer)
	if err != nil {
		return nil, ErrInvalidClient("client authentication failed").WithCause(err)
	}
	keySet, err := a.clientKeys.KeySetFor(ctx, client)
	if err != nil {
		return nil, ErrInvalidClient("client keys unavailable").WithCause(err)
	}
	var claims assertionClaims
	if err := josekit.VerifyWithKeySet(assertion, keySet, josekit.SigningAlgorithms, &claims); err != nil {
		return nil, ErrInvalidClient("client assertion verification failed").WithCause(err)
	}
	if !audienceContains(claims.Audience, a.cfg.IssuerURL) &&
		!audienceContains(claims.Audience, a.cfg.IssuerURL+"/token") {
		return nil, ErrInvalidClient("client assertion aud must be the issuer or token endpoint")
	}
	if claims.Expiry != 0 && time.Now().Unix() > claims.Expiry {
		return nil, ErrInvalidClient("client assertion expired")
	}
	return client, nil
}

func peekClaims(token string, out any) error {
	payload, err := unsignedPayload(token)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}
