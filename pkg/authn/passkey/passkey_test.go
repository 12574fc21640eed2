// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package passkey

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

type passkeyFixture struct {
	svc        *Service
	challenges *store.MemoryChallengeStore
	directory  *users.MemoryDirectory
}

func newPasskeyFixture(t *testing.T) *passkeyFixture {
	t.Helper()
	cfg := config.Default()
	cfg.IssuerURL = "https://op.example.com"
	cfg.WebAuthn.RPID = "op.example.com"
	cfg.WebAuthn.RPDisplayName = "Authrim"
	cfg.WebAuthn.RPOrigins = []string{"https://op.example.com"}

	challenges := store.NewMemoryChallengeStore(2)
	sessions := store.NewMemorySessionStore(2)
	t.Cleanup(func() {
		challenges.Close()
		sessions.Close()
	})
	directory := users.NewMemoryDirectory()
	svc, err := New(cfg, challenges, sessions, directory, sharding.NewRouter(2, "us", 1))
	require.NoError(t, err)
	return &passkeyFixture{svc: svc, challenges: challenges, directory: directory}
}

func TestBeginRegistration(t *testing.T) {
	t.Parallel()
	f := newPasskeyFixture(t)
	ctx := context.Background()

	user, err := f.directory.CreateUser(ctx, "default")
	require.NoError(t, err)
	require.NoError(t, f.directory.UpsertProfile(ctx, &users.Profile{
		UserID: user.ID,
		Email:  "ada@example.com",
		Name:   "Ada Lovelace",
	}))

	opts, err := f.svc.BeginRegistration(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, opts.ChallengeID)

	creation, ok := opts.Options.(*protocol.CredentialCreation)
	require.True(t, ok)
	assert.Equal(t, "op.example.com", creation.Response.RelyingParty.ID)
	assert.Equal(t, "ada@example.com", creation.Response.User.Name)
	assert.Equal(t, "Ada Lovelace", creation.Response.User.DisplayName)
	assert.NotEmpty(t, creation.Response.Challenge)

	// Ceremony state is parked under the registration kind; a login
	// verify cannot consume it.
	_, err = f.challenges.Consume(ctx, opts.ChallengeID, store.ChallengePasskeyLogin)
	require.Error(t, err)
}

func TestBeginRegistrationUnknownUser(t *testing.T) {
	t.Parallel()
	f := newPasskeyFixture(t)
	_, err := f.svc.BeginRegistration(context.Background(), "ghost")
	require.Error(t, err)
}

func TestFinishRegistrationGarbage(t *testing.T) {
	t.Parallel()
	f := newPasskeyFixture(t)
	ctx := context.Background()

	user, err := f.directory.CreateUser(ctx, "default")
	require.NoError(t, err)
	opts, err := f.svc.BeginRegistration(ctx, user.ID)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/api/auth/passkeys/verify",
		strings.NewReader(`{"not":"an attestation"}`))
	err = f.svc.FinishRegistration(ctx, opts.ChallengeID, r)
	assert.ErrorIs(t, err, ErrCeremonyFailed)

	// The failed attempt burned the challenge.
	err = f.svc.FinishRegistration(ctx, opts.ChallengeID, r)
	assert.ErrorIs(t, err, ErrCeremonyFailed)
}

func TestBeginLoginRequiresCredentials(t *testing.T) {
	t.Parallel()
	f := newPasskeyFixture(t)
	ctx := context.Background()

	user, err := f.directory.CreateUser(ctx, "default")
	require.NoError(t, err)
	_, err = f.svc.BeginLogin(ctx, user.ID)
	assert.ErrorIs(t, err, ErrCeremonyFailed)

	// With a stored credential the options include it as an allowed
	// credential.
	cred := webauthn.Credential{ID: []byte("cred-1"), PublicKey: []byte{1, 2, 3}}
	data, err := json.Marshal(cred)
	require.NoError(t, err)
	require.NoError(t, f.directory.AddCredential(ctx, &users.Credential{
		ID: "cred-1", UserID: user.ID, Data: data, CreatedAt: time.Now(),
	}))

	opts, err := f.svc.BeginLogin(ctx, user.ID)
	require.NoError(t, err)
	assertion, ok := opts.Options.(*protocol.CredentialAssertion)
	require.True(t, ok)
	require.Len(t, assertion.Response.AllowedCredentials, 1)
	assert.Equal(t, []byte("cred-1"), []byte(assertion.Response.AllowedCredentials[0].CredentialID))
}

func TestBeginDiscoverableLogin(t *testing.T) {
	t.Parallel()
	f := newPasskeyFixture(t)

	opts, err := f.svc.BeginDiscoverableLogin(context.Background())
	require.NoError(t, err)
	assertion, ok := opts.Options.(*protocol.CredentialAssertion)
	require.True(t, ok)
	assert.Empty(t, assertion.Response.AllowedCredentials)
}

func TestWebauthnUserAdapter(t *testing.T) {
	t.Parallel()
	u := &webauthnUser{id: "u1", name: "ada@example.com", displayName: "Ada"}
	assert.Equal(t, []byte("u1"), u.WebAuthnID())
	assert.Equal(t, "ada@example.com", u.WebAuthnName())
	assert.Equal(t, "Ada", u.WebAuthnDisplayName())
	assert.Empty(t, u.WebAuthnCredentials())
	assert.Empty(t, u.WebAuthnIcon())
}
