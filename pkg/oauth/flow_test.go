// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/josekit"
	"github.com/authrim/authrim/pkg/users"
)

func resolveTestClient(client *clients.Client) func(ctx context.Context, clientID string) (*clients.Client, error) {
	return func(_ context.Context, _ string) (*clients.Client, error) {
		return client, nil
	}
}

func TestFlowParksForLoginWithoutSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	out := f.flow.Authorize(ctx, &AuthorizeInput{Request: testRequest(), Client: testClient()})
	require.Equal(t, OutcomeLoginRedirect, out.Kind)
	require.NotEmpty(t, out.ChallengeID)
	assert.Contains(t, out.RedirectTo, f.cfg.UI.LoginURL)
	assert.Contains(t, out.RedirectTo, "challenge_id="+out.ChallengeID)

	snap, err := f.flow.PeekChallenge(ctx, out.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, StageLogin, snap.Stage)
	assert.Equal(t, "app", snap.Request.ClientID)
}

func TestFlowResumeAfterLoginIssuesCode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := testClient()
	client.SkipConsent = true

	parked := f.flow.Authorize(ctx, &AuthorizeInput{Request: testRequest(), Client: client})
	require.Equal(t, OutcomeLoginRedirect, parked.Kind)

	// The login UI establishes a session, then resumes the challenge.
	user := f.newUser(t)
	sess := f.newSession(t, user.ID)
	out := f.flow.Resume(ctx, parked.ChallengeID, sess.ID, resolveTestClient(client))
	require.Equal(t, OutcomeIssued, out.Kind)

	code := out.Params.Get("code")
	require.NotEmpty(t, code)
	rec, err := f.codes.Consume(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, user.ID, rec.UserID)
	assert.Equal(t, sess.ID, rec.SessionID)
	assert.Equal(t, "openid profile", rec.Scope)

	// Challenges are single use.
	replayed := f.flow.Resume(ctx, parked.ChallengeID, sess.ID, resolveTestClient(client))
	require.Equal(t, OutcomeError, replayed.Kind)
}

func TestFlowEphemeralProfileNeverTouchesSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.cfg.TenantProfiles = map[string]string{"acme": config.ProfileAIEphemeral}
	ctx := context.Background()

	client := testClient()
	client.TenantID = "acme"
	client.SkipConsent = true
	user := f.newUser(t)

	// A live browser session is around, but the tenant profile forbids
	// using it on this client's behalf: the flow still parks for login.
	sess := f.newSession(t, user.ID)
	parked := f.flow.Authorize(ctx, &AuthorizeInput{
		Request: testRequest(), Client: client, SessionID: sess.ID,
	})
	require.Equal(t, OutcomeLoginRedirect, parked.Kind)

	out := f.flow.ResumeLogin(ctx, parked.ChallengeID, &EphemeralLogin{
		UserID:   user.ID,
		TenantID: "acme",
		AuthTime: time.Now(),
		AMR:      []string{"email"},
	}, resolveTestClient(client))
	require.Equal(t, OutcomeIssued, out.Kind)

	code := out.Params.Get("code")
	require.NotEmpty(t, code)
	assert.Empty(t, out.Params.Get("session_state"), "no session, no session_state")
	assert.Empty(t, out.BrowserState)

	// The code carries no session binding, and the pre-existing session
	// gained no client association.
	rec, err := f.codes.Consume(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, user.ID, rec.UserID)
	assert.Empty(t, rec.SessionID)

	got, err := f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Associations)
}

func TestFlowPromptNone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		t.Parallel()
		req := testRequest()
		req.Prompt = "none"
		out := f.flow.Authorize(ctx, &AuthorizeInput{Request: req, Client: testClient()})
		require.Equal(t, OutcomeError, out.Kind)
		assert.Equal(t, "login_required", out.Err.Code)
		assert.True(t, out.Err.Redirectable)
	})

	t.Run("session without consent", func(t *testing.T) {
		t.Parallel()
		user := f.newUser(t)
		sess := f.newSession(t, user.ID)
		req := testRequest()
		req.Prompt = "none"
		out := f.flow.Authorize(ctx, &AuthorizeInput{Request: req, Client: testClient(), SessionID: sess.ID})
		require.Equal(t, OutcomeError, out.Kind)
		assert.Equal(t, "consent_required", out.Err.Code)
	})

	t.Run("session with consent", func(t *testing.T) {
		t.Parallel()
		user := f.newUser(t)
		sess := f.newSession(t, user.ID)
		f.grantConsent(t, user.ID, "app", []string{"openid", "profile"})
		req := testRequest()
		req.Prompt = "none"
		out := f.flow.Authorize(ctx, &AuthorizeInput{Request: req, Client: testClient(), SessionID: sess.ID})
		require.Equal(t, OutcomeIssued, out.Kind)
		assert.NotEmpty(t, out.Params.Get("code"))
	})
}

func TestFlowMaxAgeForcesReauth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := testClient()
	client.SkipConsent = true

	user := f.newUser(t)
	sess := f.newSession(t, user.ID)
	// Backdate the authentication.
	sess.AuthTime = time.Now().Add(-10 * time.Minute)
	_, err := f.sessions.Patch(ctx, sess.ID, sess)
	require.NoError(t, err)

	maxAge := 60
	req := testRequest()
	req.MaxAge = &maxAge

	out := f.flow.Authorize(ctx, &AuthorizeInput{Request: req, Client: client, SessionID: sess.ID})
	require.Equal(t, OutcomeLoginRedirect, out.Kind)
	snap, err := f.flow.PeekChallenge(ctx, out.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, StageReauth, snap.Stage)

	// prompt=none with a stale session cannot interact.
	req2 := testRequest()
	req2.MaxAge = &maxAge
	req2.Prompt = "none"
	none := f.flow.Authorize(ctx, &AuthorizeInput{Request: req2, Client: client, SessionID: sess.ID})
	require.Equal(t, OutcomeError, none.Kind)
	assert.Equal(t, "login_required", none.Err.Code)

	// After the reauth UI refreshes auth_time, resume succeeds.
	sess.AuthTime = time.Now()
	_, err = f.sessions.Patch(ctx, sess.ID, sess)
	require.NoError(t, err)
	resumed := f.flow.Resume(ctx, out.ChallengeID, sess.ID, resolveTestClient(client))
	require.Equal(t, OutcomeIssued, resumed.Kind)
}

func TestFlowPromptConsentAlwaysAsks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	user := f.newUser(t)
	sess := f.newSession(t, user.ID)
	f.grantConsent(t, user.ID, "app", []string{"openid", "profile"})

	req := testRequest()
	req.Prompt = "consent"
	out := f.flow.Authorize(ctx, &AuthorizeInput{Request: req, Client: testClient(), SessionID: sess.ID})
	require.Equal(t, OutcomeConsentRedirect, out.Kind)
	assert.Contains(t, out.RedirectTo, f.cfg.UI.ConsentURL)

	resumed := f.flow.Resume(ctx, out.ChallengeID, sess.ID, resolveTestClient(testClient()))
	require.Equal(t, OutcomeIssued, resumed.Kind)
}

func TestFlowIDTokenHintMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	userA := f.newUser(t)
	userB := f.newUser(t)
	sess := f.newSession(t, userB.ID)

	hint, err := f.issuer.MintIDToken(IDTokenInput{Subject: userA.ID, ClientID: "app"})
	require.NoError(t, err)

	req := testRequest()
	req.IDTokenHint = hint
	req.Prompt = "none"
	out := f.flow.Authorize(ctx, &AuthorizeInput{Request: req, Client: testClient(), SessionID: sess.ID})
	require.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, "login_required", out.Err.Code)

	// Without prompt=none the mismatch forces a fresh login instead.
	req2 := testRequest()
	req2.IDTokenHint = hint
	out2 := f.flow.Authorize(ctx, &AuthorizeInput{Request: req2, Client: testClient(), SessionID: sess.ID})
	require.Equal(t, OutcomeLoginRedirect, out2.Kind)
}

func TestFlowHybridResponse(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := testClient()
	client.SkipConsent = true

	user := f.newUser(t)
	sess := f.newSession(t, user.ID)

	req := testRequest()
	req.ResponseType = "code id_token"
	out := f.flow.Authorize(ctx, &AuthorizeInput{Request: req, Client: client, SessionID: sess.ID})
	require.Equal(t, OutcomeIssued, out.Kind)

	code := out.Params.Get("code")
	idToken := out.Params.Get("id_token")
	sessionState := out.Params.Get("session_state")
	require.NotEmpty(t, code)
	require.NotEmpty(t, idToken)
	require.NotEmpty(t, sessionState)
	// The browser state cookie is minted when the request arrived without
	// one.
	require.NotEmpty(t, out.BrowserState)

	claims := decodeJWTClaims(t, idToken)
	wantCHash, err := josekit.LeftHalfHash(jose.RS256, code)
	require.NoError(t, err)
	assert.Equal(t, wantCHash, claims["c_hash"])
	assert.Equal(t, "nonce-1", claims["nonce"])
	assert.Equal(t, user.ID, claims["sub"])
	assert.Equal(t, sessionState, claims["session_state"])

	assert.True(t, VerifySessionState(sessionState, client.ID, "https://rp.example.com", out.BrowserState))

	// Implicit/hybrid responses record the RP association immediately.
	got, err := f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Associations, 1)
	assert.Equal(t, client.ID, got.Associations[0].ClientID)
}

func TestFlowPureIDTokenCarriesScopeClaims(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	client := testClient()
	client.SkipConsent = true

	user := f.newUser(t)
	require.NoError(t, f.directory.UpsertProfile(ctx, &users.Profile{
		UserID:        user.ID,
		Email:         "ada@example.com",
		EmailVerified: true,
		Name:          "Ada Lovelace",
	}))
	sess := f.newSession(t, user.ID)

	req := testRequest()
	req.ResponseType = "id_token"
	req.Scope = "openid email"
	req.Claims = `{"id_token":{"name":{"essential":true}}}`
	out := f.flow.Authorize(ctx, &AuthorizeInput{Request: req, Client: client, SessionID: sess.ID})
	require.Equal(t, OutcomeIssued, out.Kind)

	claims := decodeJWTClaims(t, out.Params.Get("id_token"))
	assert.Equal(t, "ada@example.com", claims["email"])
	assert.Equal(t, true, claims["email_verified"])
	assert.Equal(t, "Ada Lovelace", claims["name"])
	// No access token in a pure id_token response.
	assert.Empty(t, out.Params.Get("access_token"))
}

func TestFlowInvalidSessionCookieReadsAsAnonymous(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, sid := range []string{"not-sharded", "999_session_unknown", ""} {
		out := f.flow.Authorize(ctx, &AuthorizeInput{Request: testRequest(), Client: testClient(), SessionID: sid})
		require.Equal(t, OutcomeLoginRedirect, out.Kind, "session id %q", sid)
	}
}
