// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/keys"
	"github.com/authrim/authrim/pkg/users"
)

func TestMintAccessToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tok, err := f.issuer.MintAccessToken(AccessTokenInput{
		Subject:              "user-1",
		ClientID:             "app",
		Scope:                "openid profile",
		Audience:             []string{"https://api.example.com"},
		JKT:                  "thumb",
		SID:                  "sid-1",
		AuthorizationDetails: `[{"type":"payment_initiation"}]`,
	})
	require.NoError(t, err)

	claims := decodeJWTClaims(t, tok)
	assert.Equal(t, testIssuer, claims["iss"])
	assert.Equal(t, "https://api.example.com", claims["aud"])
	assert.Equal(t, "thumb", claims["cnf"].(map[string]any)["jkt"])
	details := claims["authorization_details"].([]any)
	require.Len(t, details, 1)
	assert.Equal(t, "payment_initiation", details[0].(map[string]any)["type"])

	// Header typ marks it as an access token.
	rawHeader, err := base64.RawURLEncoding.DecodeString(strings.Split(tok, ".")[0])
	require.NoError(t, err)
	assert.Contains(t, string(rawHeader), `"at+jwt"`)
}

func TestVerifyIDTokenHint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	hint, err := f.issuer.MintIDToken(IDTokenInput{
		Subject:  "user-1",
		ClientID: "app",
		AuthTime: time.Now(),
		SID:      "sid-1",
	})
	require.NoError(t, err)

	claims, err := f.issuer.VerifyIDTokenHint(hint)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "sid-1", claims.SID)

	_, err = f.issuer.VerifyIDTokenHint(hint + "tampered")
	require.Error(t, err)

	// Hints survive rotation while the old key is within grace.
	km, err := keys.NewManager()
	require.NoError(t, err)
	issuer := NewTokenIssuer(f.cfg, km, f.directory)
	hint2, err := issuer.MintIDToken(IDTokenInput{Subject: "user-2", ClientID: "app"})
	require.NoError(t, err)
	_, err = km.Rotate()
	require.NoError(t, err)
	_, err = issuer.VerifyIDTokenHint(hint2)
	require.NoError(t, err)
}

func TestSessionState(t *testing.T) {
	t.Parallel()
	browserState := NewBrowserState()
	require.NotEmpty(t, browserState)

	ss := ComputeSessionState("app", "https://rp.example.com/cb", browserState)
	require.NotEmpty(t, ss)
	assert.Contains(t, ss, ".")

	assert.True(t, VerifySessionState(ss, "app", "https://rp.example.com", browserState))
	assert.False(t, VerifySessionState(ss, "app", "https://rp.example.com", "other-state"))
	assert.False(t, VerifySessionState(ss, "other-client", "https://rp.example.com", browserState))
	assert.False(t, VerifySessionState("no-dot", "app", "https://rp.example.com", browserState))

	// Unparseable origin means no session_state at all.
	assert.Empty(t, ComputeSessionState("app", "not a uri", browserState))
	assert.Empty(t, ComputeSessionState("app", "https://rp.example.com/cb", ""))

	// Salting makes every value unique.
	assert.NotEqual(t, ss, ComputeSessionState("app", "https://rp.example.com/cb", browserState))
}

func TestScopeClaims(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user := f.newUser(t)
	require.NoError(t, f.directory.UpsertProfile(ctx, &users.Profile{
		UserID:        user.ID,
		Email:         "grace@example.com",
		EmailVerified: true,
		Name:          "Grace Hopper",
		PhoneNumber:   "+15551234567",
	}))

	claims := f.issuer.ScopeClaims(ctx, user.ID, []string{"openid", "email"})
	assert.Equal(t, "grace@example.com", claims["email"])
	assert.Equal(t, true, claims["email_verified"])
	// profile scope was not requested
	assert.NotContains(t, claims, "name")

	claims = f.issuer.ScopeClaims(ctx, user.ID, []string{"profile", "phone"})
	assert.Equal(t, "Grace Hopper", claims["name"])
	assert.Equal(t, "+15551234567", claims["phone_number"])

	assert.Nil(t, f.issuer.ScopeClaims(ctx, "ghost", []string{"email"}))
}
