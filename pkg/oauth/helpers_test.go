// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/dpop"
	"github.com/authrim/authrim/pkg/keys"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

const testIssuer = "https://op.example.com"

// sharedKeys avoids generating a fresh RSA key per test.
var (
	sharedKeysOnce sync.Once
	sharedKeys     *keys.Manager
)

func testKeys(t *testing.T) *keys.Manager {
	t.Helper()
	sharedKeysOnce.Do(func() {
		km, err := keys.NewManager()
		if err != nil {
			t.Fatalf("generating test keys: %v", err)
		}
		sharedKeys = km
	})
	return sharedKeys
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.IssuerURL = testIssuer
	cfg.UI.LoginURL = "https://op.example.com/login"
	cfg.UI.ConsentURL = "https://op.example.com/consent"
	return cfg
}

type fixture struct {
	cfg        *config.Config
	km         *keys.Manager
	codes      *store.MemoryAuthCodeStore
	challenges *store.MemoryChallengeStore
	sessions   *store.MemorySessionStore
	directory  *users.MemoryDirectory
	issuer     *TokenIssuer
	router     *sharding.Router
	flow       *Flow
	tokens     *Tokens
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	km := testKeys(t)
	f := &fixture{
		cfg:        cfg,
		km:         km,
		codes:      store.NewMemoryAuthCodeStore(4, cfg.Features.MaxCodesPerUser),
		challenges: store.NewMemoryChallengeStore(4),
		sessions:   store.NewMemorySessionStore(4),
		directory:  users.NewMemoryDirectory(),
		router:     sharding.NewRouter(4, "us", 1),
	}
	t.Cleanup(func() {
		f.codes.Close()
		f.challenges.Close()
		f.sessions.Close()
	})
	f.issuer = NewTokenIssuer(cfg, km, f.directory)
	replay := store.NewMemoryReplayStore()
	t.Cleanup(func() { replay.Close() })
	dv := dpop.NewValidator(replay, cfg.Lifetimes.DPoPProofMaxAge)
	f.flow = NewFlow(cfg, f.codes, f.challenges, f.sessions, f.directory, f.issuer, f.router, dv)
	f.tokens = NewTokens(cfg, f.codes, f.sessions, f.issuer, km, dv, f.directory)
	return f
}

func (f *fixture) newUser(t *testing.T) *users.User {
	t.Helper()
	u, err := f.directory.CreateUser(context.Background(), "default")
	require.NoError(t, err)
	return u
}

func (f *fixture) newSession(t *testing.T, userID string) *store.Session {
	t.Helper()
	now := time.Now()
	sess := &store.Session{
		ID:        f.router.NewSessionID(),
		UserID:    userID,
		TenantID:  "default",
		AuthTime:  now,
		AMR:       []string{"pwd"},
		CreatedAt: now,
		ExpiresAt: now.Add(f.cfg.Lifetimes.Session),
	}
	require.NoError(t, f.sessions.Create(context.Background(), sess))
	return sess
}

func (f *fixture) grantConsent(t *testing.T, userID, clientID string, scopes []string) {
	t.Helper()
	require.NoError(t, f.directory.GrantConsent(context.Background(), &users.Consent{
		UserID: userID, ClientID: clientID, Scopes: scopes,
	}))
}

func testClient() *clients.Client {
	return &clients.Client{
		ID:           "app",
		Name:         "Test App",
		RedirectURIs: []string{"https://rp.example.com/cb"},
		ResponseTypes: []string{
			"code", "id_token", "token",
			"code id_token", "code token", "id_token token", "code id_token token",
			"none",
		},
		GrantTypes: []string{"authorization_code", GrantTokenExchange},
		Scopes:     []string{"openid", "profile", "email", "device_sso"},
		Public:     true,
	}
}

func testRequest() *AuthRequest {
	return &AuthRequest{
		ClientID:     "app",
		RedirectURI:  "https://rp.example.com/cb",
		ResponseType: "code",
		Scope:        "openid profile",
		State:        "xyz-123",
		Nonce:        "nonce-1",
	}
}

// decodeJWTClaims pulls the payload out of a compact JWT without
// verifying; signature checks have their own tests.
func decodeJWTClaims(t *testing.T, token string) map[string]any {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3, "not a compact JWT")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	return claims
}
