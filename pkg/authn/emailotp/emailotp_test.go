// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package emailotp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

type capturingSender struct {
	email string
	code  string
	fail  bool
}

func (c *capturingSender) SendCode(_ context.Context, email, code string) error {
	c.email, c.code = email, code
	if c.fail {
		return assert.AnError
	}
	return nil
}

type otpFixture struct {
	svc       *Service
	sender    *capturingSender
	directory *users.MemoryDirectory
	sessions  *store.MemorySessionStore
	slept     []time.Duration
}

func newOTPFixture(t *testing.T) *otpFixture {
	t.Helper()
	cfg := config.Default()
	cfg.IssuerURL = "https://op.example.com"
	challenges := store.NewMemoryChallengeStore(2)
	sessions := store.NewMemorySessionStore(2)
	limiter := store.NewMemoryRateLimiter()
	t.Cleanup(func() {
		challenges.Close()
		sessions.Close()
		limiter.Close()
	})
	f := &otpFixture{
		sender:    &capturingSender{},
		directory: users.NewMemoryDirectory(),
		sessions:  sessions,
	}
	f.svc = New(cfg, challenges, sessions, f.directory, limiter, f.sender, sharding.NewRouter(2, "us", 1))
	// Collect pads instead of sleeping.
	f.svc.sleep = func(d time.Duration) { f.slept = append(f.slept, d) }
	return f
}

func TestSendAndVerify(t *testing.T) {
	t.Parallel()
	f := newOTPFixture(t)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, "  Ada@Example.COM ")
	require.NoError(t, err)
	require.NotEmpty(t, res.ChallengeID)
	require.NotEmpty(t, res.OTPSessionID)
	// Address is normalized before delivery.
	assert.Equal(t, "ada@example.com", f.sender.email)
	require.Len(t, f.sender.code, 6)

	sess, err := f.svc.Verify(ctx, res.ChallengeID, res.OTPSessionID, f.sender.code)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Contains(t, sess.AMR, "otp")

	// The user was provisioned with a verified address.
	user, err := f.directory.FindByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, sess.UserID)
	profile, err := f.directory.GetProfile(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, profile.EmailVerified)

	// Challenges are single use.
	_, err = f.svc.Verify(ctx, res.ChallengeID, res.OTPSessionID, f.sender.code)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("wrong code burns the challenge", func(t *testing.T) {
		t.Parallel()
		f := newOTPFixture(t)
		res, err := f.svc.Send(ctx, "a@example.com")
		require.NoError(t, err)

		wrong := "000000"
		if wrong == f.sender.code {
			wrong = "000001"
		}
		_, err = f.svc.Verify(ctx, res.ChallengeID, res.OTPSessionID, wrong)
		assert.ErrorIs(t, err, ErrVerificationFailed)

		// Even the right code cannot follow a failed attempt.
		_, err = f.svc.Verify(ctx, res.ChallengeID, res.OTPSessionID, f.sender.code)
		assert.ErrorIs(t, err, ErrVerificationFailed)
	})

	t.Run("otp session cookie must match", func(t *testing.T) {
		t.Parallel()
		f := newOTPFixture(t)
		res, err := f.svc.Send(ctx, "b@example.com")
		require.NoError(t, err)
		_, err = f.svc.Verify(ctx, res.ChallengeID, "stolen-session", f.sender.code)
		assert.ErrorIs(t, err, ErrVerificationFailed)
	})

	t.Run("unknown challenge", func(t *testing.T) {
		t.Parallel()
		f := newOTPFixture(t)
		_, err := f.svc.Verify(ctx, "ghost", "s", "123456")
		assert.ErrorIs(t, err, ErrVerificationFailed)
	})
}

func TestSendRateLimit(t *testing.T) {
	t.Parallel()
	f := newOTPFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Send(ctx, "burst@example.com")
		require.NoError(t, err)
	}
	_, err := f.svc.Send(ctx, "burst@example.com")
	var limited *ErrRateLimited
	require.ErrorAs(t, err, &limited)
	assert.Positive(t, limited.RetryAfter)

	// Another address is unaffected.
	_, err = f.svc.Send(ctx, "other@example.com")
	require.NoError(t, err)
}

func TestResponsesArePadded(t *testing.T) {
	t.Parallel()
	f := newOTPFixture(t)
	ctx := context.Background()

	_, _ = f.svc.Send(ctx, "pad@example.com")
	_, _ = f.svc.Verify(ctx, "ghost", "s", "123456")
	require.Len(t, f.slept, 2)
	for _, d := range f.slept {
		// Floor minus the (fast) actual work, plus up to 100ms jitter.
		assert.Greater(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, minResponseTime+100*time.Millisecond)
	}
}

func TestDeliveryFailureIsSilent(t *testing.T) {
	t.Parallel()
	f := newOTPFixture(t)
	f.sender.fail = true
	res, err := f.svc.Send(context.Background(), "x@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, res.ChallengeID)
}

func TestDigestBindings(t *testing.T) {
	t.Parallel()
	base := digest("salt", "a@example.com", "sess", 100, "123456")
	assert.NotEqual(t, base, digest("other", "a@example.com", "sess", 100, "123456"))
	assert.NotEqual(t, base, digest("salt", "b@example.com", "sess", 100, "123456"))
	assert.NotEqual(t, base, digest("salt", "a@example.com", "other", 100, "123456"))
	assert.NotEqual(t, base, digest("salt", "a@example.com", "sess", 101, "123456"))
	assert.NotEqual(t, base, digest("salt", "a@example.com", "sess", 100, "654321"))
	assert.Equal(t, base, digest("salt", "a@example.com", "sess", 100, "123456"))
}
