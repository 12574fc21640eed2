// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileEmailIndex(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory()
	ctx := context.Background()

	u, err := d.CreateUser(ctx, "acme")
	require.NoError(t, err)

	require.NoError(t, d.UpsertProfile(ctx, &Profile{UserID: u.ID, Email: "Alice@Example.com"}))

	found, err := d.FindByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.ID)

	// Email change moves the index.
	require.NoError(t, d.UpsertProfile(ctx, &Profile{UserID: u.ID, Email: "new@example.com"}))
	_, err = d.FindByEmail(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = d.FindByEmail(ctx, "new@example.com")
	assert.NoError(t, err)
}

func TestLinkedIdentityUniqueness(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory()
	ctx := context.Background()

	u1, err := d.CreateUser(ctx, "")
	require.NoError(t, err)
	u2, err := d.CreateUser(ctx, "")
	require.NoError(t, err)

	require.NoError(t, d.LinkIdentity(ctx, &LinkedIdentity{
		UserID: u1.ID, Provider: "did", Subject: "did:web:example.com",
	}))
	err = d.LinkIdentity(ctx, &LinkedIdentity{
		UserID: u2.ID, Provider: "did", Subject: "did:web:example.com",
	})
	assert.ErrorIs(t, err, ErrIdentityTaken)

	found, err := d.FindByIdentity(ctx, "did", "did:web:example.com")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, found.ID)

	require.NoError(t, d.UnlinkIdentity(ctx, u1.ID, "did", "did:web:example.com"))
	_, err = d.FindByIdentity(ctx, "did", "did:web:example.com")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestConsentWidensAndCovers(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory()
	ctx := context.Background()

	u, err := d.CreateUser(ctx, "")
	require.NoError(t, err)

	require.NoError(t, d.GrantConsent(ctx, &Consent{
		UserID: u.ID, ClientID: "c1", Scopes: []string{"openid"},
	}))
	require.NoError(t, d.GrantConsent(ctx, &Consent{
		UserID: u.ID, ClientID: "c1", Scopes: []string{"profile"},
	}))

	c, err := d.GetConsent(ctx, u.ID, "c1")
	require.NoError(t, err)
	assert.True(t, c.Covers([]string{"openid", "profile"}))
	assert.False(t, c.Covers([]string{"openid", "email"}))

	require.NoError(t, d.RevokeConsent(ctx, u.ID, "c1"))
	_, err = d.GetConsent(ctx, u.ID, "c1")
	assert.ErrorIs(t, err, ErrConsentNotFound)
}

func TestCredentialUpdate(t *testing.T) {
	t.Parallel()

	d := NewMemoryDirectory()
	ctx := context.Background()

	u, err := d.CreateUser(ctx, "")
	require.NoError(t, err)

	require.NoError(t, d.AddCredential(ctx, &Credential{ID: "cred-1", UserID: u.ID, Data: []byte(`{"count":0}`)}))
	require.NoError(t, d.UpdateCredential(ctx, &Credential{ID: "cred-1", UserID: u.ID, Data: []byte(`{"count":1}`)}))

	creds, err := d.ListCredentials(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.JSONEq(t, `{"count":1}`, string(creds[0].Data))
}
