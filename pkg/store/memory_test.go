// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCode(code, userID string, ttl time.Duration) *AuthCodeRecord {
	now := time.Now()
	return &AuthCodeRecord{
		Code:          code,
		ClientID:      "client-1",
		UserID:        userID,
		RedirectURI:   "https://rp.example/cb",
		Scope:         "openid profile",
		CodeChallenge: "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		AuthTime:      now,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
}

func TestMemoryAuthCodeConsumeOnce(t *testing.T) {
	t.Parallel()

	s := NewMemoryAuthCodeStore(4, 3)
	defer s.Close()
	ctx := context.Background()

	rec := testCode("2_auth_abc", "user-1", time.Minute)
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Consume(ctx, rec.Code)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "openid profile", got.Scope)

	_, err = s.Consume(ctx, rec.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAuthCodeExpired(t *testing.T) {
	t.Parallel()

	s := NewMemoryAuthCodeStore(4, 3)
	defer s.Close()
	ctx := context.Background()

	rec := testCode("1_auth_exp", "user-1", 10*time.Millisecond)
	require.NoError(t, s.Put(ctx, rec))
	time.Sleep(30 * time.Millisecond)

	_, err := s.Consume(ctx, rec.Code)
	assert.ErrorIs(t, err, ErrExpired)

	// Destroyed on the failed consume.
	_, err = s.Consume(ctx, rec.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAuthCodePerUserCap(t *testing.T) {
	t.Parallel()

	s := NewMemoryAuthCodeStore(1, 3)
	defer s.Close()
	ctx := context.Background()

	for i := range 4 {
		rec := testCode(fmt.Sprintf("0_auth_%d", i), "user-1", time.Minute)
		require.NoError(t, s.Put(ctx, rec))
	}

	// Oldest evicted, newest three alive.
	_, err := s.Consume(ctx, "0_auth_0")
	assert.ErrorIs(t, err, ErrNotFound)
	for i := 1; i < 4; i++ {
		_, err := s.Consume(ctx, fmt.Sprintf("0_auth_%d", i))
		assert.NoError(t, err, "code %d", i)
	}
}

func TestMemoryAuthCodeCapScopedToClient(t *testing.T) {
	t.Parallel()

	s := NewMemoryAuthCodeStore(1, 1)
	defer s.Close()
	ctx := context.Background()

	recA := testCode("0_auth_ca", "user-1", time.Minute)
	recA.ClientID = "client-a"
	require.NoError(t, s.Put(ctx, recA))

	recB := testCode("0_auth_cb", "user-1", time.Minute)
	recB.ClientID = "client-b"
	require.NoError(t, s.Put(ctx, recB))

	// The cap counts per (user, client) pair: client-b activity must not
	// evict the user's live code for client-a.
	_, err := s.Consume(ctx, recA.Code)
	assert.NoError(t, err)
	_, err = s.Consume(ctx, recB.Code)
	assert.NoError(t, err)

	// The same pair over the cap still evicts oldest-first.
	recA2 := testCode("0_auth_ca2", "user-1", time.Minute)
	recA2.ClientID = "client-a"
	require.NoError(t, s.Put(ctx, recA2))
	recA3 := testCode("0_auth_ca3", "user-1", time.Minute)
	recA3.ClientID = "client-a"
	require.NoError(t, s.Put(ctx, recA3))

	_, err = s.Consume(ctx, recA2.Code)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Consume(ctx, recA3.Code)
	assert.NoError(t, err)
}

func TestMemoryAuthCodeConcurrentConsume(t *testing.T) {
	t.Parallel()

	s := NewMemoryAuthCodeStore(2, 0)
	defer s.Close()
	ctx := context.Background()

	rec := testCode("1_auth_race", "user-1", time.Minute)
	require.NoError(t, s.Put(ctx, rec))

	var wg sync.WaitGroup
	wins := make(chan struct{}, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(ctx, rec.Code); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one consumer wins")
}

func TestMemoryPARConsumeOnce(t *testing.T) {
	t.Parallel()

	s := NewMemoryPARStore(4)
	defer s.Close()
	ctx := context.Background()

	uri := "urn:ietf:params:oauth:request_uri:g1:us:2:par_abc"
	now := time.Now()
	require.NoError(t, s.Put(ctx, &PARRequest{
		RequestURI: uri,
		ClientID:   "client-1",
		Params:     map[string]string{"response_type": "code"},
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Minute),
	}))

	got, err := s.Consume(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)

	_, err = s.Consume(ctx, uri)
	assert.ErrorIs(t, err, ErrNotFound)
}

type loginSnapshot struct {
	ClientID string `json:"client_id"`
	Email    string `json:"email,omitempty"`
}

func TestMemoryChallengeKindMismatchBurns(t *testing.T) {
	t.Parallel()

	s := NewMemoryChallengeStore(4)
	defer s.Close()
	ctx := context.Background()

	c, err := NewChallenge("ch-1", ChallengeLogin, loginSnapshot{ClientID: "client-1"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, c))

	// Wrong kind fails uniformly and destroys the challenge.
	_, err = s.Consume(ctx, "ch-1", ChallengeConsent)
	assert.ErrorIs(t, err, ErrInvalidChallenge)

	_, err = s.Consume(ctx, "ch-1", ChallengeLogin)
	assert.ErrorIs(t, err, ErrInvalidChallenge)
}

func TestMemoryChallengePeekThenConsume(t *testing.T) {
	t.Parallel()

	s := NewMemoryChallengeStore(4)
	defer s.Close()
	ctx := context.Background()

	c, err := NewChallenge("ch-2", ChallengePasskeyLogin, loginSnapshot{ClientID: "client-1"}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, c))

	peeked, err := s.Peek(ctx, "ch-2", ChallengePasskeyLogin)
	require.NoError(t, err)
	snap, err := Snapshot[loginSnapshot](peeked)
	require.NoError(t, err)
	assert.Equal(t, "client-1", snap.ClientID)

	// Peek did not consume.
	_, err = s.Consume(ctx, "ch-2", ChallengePasskeyLogin)
	assert.NoError(t, err)
}

func TestMemorySessionPatchMerges(t *testing.T) {
	t.Parallel()

	s := NewMemorySessionStore(4)
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.Create(ctx, &Session{
		ID:        "2_session_s1",
		UserID:    "user-1",
		AuthTime:  now,
		AMR:       []string{"pwd"},
		Data:      map[string]any{"locale": "en", "theme": "dark"},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))

	got, err := s.Patch(ctx, "2_session_s1", &Session{
		ACR:  "urn:authrim:acr:webauthn",
		Data: map[string]any{"theme": "light"},
	})
	require.NoError(t, err)
	assert.Equal(t, "urn:authrim:acr:webauthn", got.ACR)
	assert.Equal(t, "light", got.Data["theme"])
	assert.Equal(t, "en", got.Data["locale"], "untouched keys survive")
	assert.Equal(t, "user-1", got.UserID, "zero fields in the patch are ignored")
}

func TestMemorySessionAssociateReplacesSameClient(t *testing.T) {
	t.Parallel()

	s := NewMemorySessionStore(4)
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.Create(ctx, &Session{
		ID: "0_session_s2", UserID: "user-1",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, s.Associate(ctx, "0_session_s2", ClientAssociation{ClientID: "c1", SID: "sid-a"}))
	require.NoError(t, s.Associate(ctx, "0_session_s2", ClientAssociation{ClientID: "c2", SID: "sid-b"}))
	require.NoError(t, s.Associate(ctx, "0_session_s2", ClientAssociation{ClientID: "c1", SID: "sid-c"}))

	got, err := s.Get(ctx, "0_session_s2")
	require.NoError(t, err)
	require.Len(t, got.Associations, 2)
	for _, a := range got.Associations {
		if a.ClientID == "c1" {
			assert.Equal(t, "sid-c", a.SID)
		}
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	t.Parallel()

	l := NewMemoryRateLimiter()
	defer l.Close()
	ctx := context.Background()

	for i := range 3 {
		ok, _, err := l.Allow(ctx, "ip:1.2.3.4", 3, 100*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok, "request %d under limit", i)
	}

	ok, retryAfter, err := l.Allow(ctx, "ip:1.2.3.4", 3, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Positive(t, retryAfter)

	// A different key has its own window.
	ok, _, err = l.Allow(ctx, "ip:5.6.7.8", 3, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(120 * time.Millisecond)
	ok, _, err = l.Allow(ctx, "ip:1.2.3.4", 3, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "window reset")
}

func TestMemoryReplayStore(t *testing.T) {
	t.Parallel()

	s := NewMemoryReplayStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.MarkOnce(ctx, "jti-1", time.Minute))
	assert.ErrorIs(t, s.MarkOnce(ctx, "jti-1", time.Minute), ErrAlreadyExists)
	require.NoError(t, s.MarkOnce(ctx, "jti-2", time.Minute))
}
