// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package emailotp implements one-time email codes. The code never
// touches storage in the clear: the challenge keeps an HMAC keyed by a
// per-challenge salt, bound to the email, the OTP session cookie, and
// the issue time.
package emailotp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

// ErrVerificationFailed covers every verify failure: unknown challenge,
// expired challenge, wrong code, wrong OTP session. One code, no oracle.
var ErrVerificationFailed = errors.New("email code verification failed")

// ErrRateLimited is returned when the address asked for too many codes.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("too many codes requested, retry in %s", e.RetryAfter)
}

// Sender delivers the code out of band.
type Sender interface {
	SendCode(ctx context.Context, email, code string) error
}

// Service issues and verifies email codes.
type Service struct {
	cfg        *config.Config
	challenges store.ChallengeStore
	sessions   store.SessionStore
	directory  users.Directory
	limiter    store.RateLimiter
	sender     Sender
	router     *sharding.Router

	// now and sleep are swapped in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// New builds the service.
func New(cfg *config.Config, challenges store.ChallengeStore, sessions store.SessionStore,
	directory users.Directory, limiter store.RateLimiter, sender Sender, router *sharding.Router) *Service {
	return &Service{
		cfg:        cfg,
		challenges: challenges,
		sessions:   sessions,
		directory:  directory,
		limiter:    limiter,
		sender:     sender,
		router:     router,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// otpState is the challenge payload. The code itself is absent; only the
// keyed digest is stored.
type otpState struct {
	Email        string `json:"email"`
	OTPSessionID string `json:"otp_session_id"`
	Salt         string `json:"salt"`
	Digest       string `json:"digest"`
	IssuedAt     int64  `json:"issued_at"`
}

// SendResult is what the send endpoint returns to the handler.
type SendResult struct {
	ChallengeID string
	// OTPSessionID goes into the authrim_otp_session cookie; verification
	// requires it back.
	OTPSessionID string
	ExpiresIn    int
}

// minResponseTime pads both send and verify so their duration does not
// reveal whether the address exists or the code matched.
const minResponseTime = 500 * time.Millisecond

// Send mints a code, stores its digest, and hands the code to the sender.
func (s *Service) Send(ctx context.Context, email string) (*SendResult, error) {
	started := s.now()
	defer s.padResponse(started)

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrVerificationFailed
	}

	limit := s.cfg.RateLimits.EmailCode
	allowed, retryAfter, err := s.limiter.Allow(ctx, "emailotp:"+email,
		limit.MaxRequests, time.Duration(limit.WindowSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &ErrRateLimited{RetryAfter: retryAfter}
	}

	code, err := randomCode()
	if err != nil {
		return nil, err
	}
	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}

	challengeID := uuid.NewString()
	otpSessionID := uuid.NewString()
	issuedAt := s.now().Unix()
	state := &otpState{
		Email:        email,
		OTPSessionID: otpSessionID,
		Salt:         salt,
		Digest:       digest(salt, email, otpSessionID, issuedAt, code),
		IssuedAt:     issuedAt,
	}
	challenge, err := store.NewChallenge(challengeID, store.ChallengeEmailOTP, state, s.cfg.Lifetimes.OTPSession)
	if err != nil {
		return nil, err
	}
	if err := s.challenges.Put(ctx, challenge); err != nil {
		return nil, err
	}

	if err := s.sender.SendCode(ctx, email, code); err != nil {
		// The challenge stays; the user can retry within the window. Do
		// not leak delivery failures to the caller.
		logger.Warnw("email code delivery failed", "error", err)
	}

	return &SendResult{
		ChallengeID:  challengeID,
		OTPSessionID: otpSessionID,
		ExpiresIn:    int(s.cfg.Lifetimes.OTPSession / time.Second),
	}, nil
}

// Verify consumes the challenge and, on a match, signs the user in. The
// user is provisioned on first contact.
func (s *Service) Verify(ctx context.Context, challengeID, otpSessionID, code string) (*store.Session, error) {
	started := s.now()
	defer s.padResponse(started)

	challenge, err := s.challenges.Consume(ctx, challengeID, store.ChallengeEmailOTP)
	if err != nil {
		return nil, ErrVerificationFailed
	}
	state, err := store.Snapshot[otpState](challenge)
	if err != nil {
		return nil, ErrVerificationFailed
	}

	sessionOK := subtle.ConstantTimeCompare([]byte(state.OTPSessionID), []byte(otpSessionID)) == 1
	want := state.Digest
	got := digest(state.Salt, state.Email, state.OTPSessionID, state.IssuedAt, code)
	codeOK := subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
	if !sessionOK || !codeOK {
		// The challenge is already burned; a retry needs a fresh code.
		return nil, ErrVerificationFailed
	}

	user, err := s.userForEmail(ctx, state.Email)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := &store.Session{
		ID:        s.router.NewSessionID(),
		UserID:    user.ID,
		TenantID:  user.TenantID,
		AuthTime:  now,
		AMR:       []string{"otp", "mfa"},
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Lifetimes.Session),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) userForEmail(ctx context.Context, email string) (*users.User, error) {
	user, err := s.directory.FindByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, users.ErrUserNotFound) {
		return nil, err
	}
	user, err = s.directory.CreateUser(ctx, "default")
	if err != nil {
		return nil, err
	}
	if perr := s.directory.UpsertProfile(ctx, &users.Profile{
		UserID:        user.ID,
		Email:         email,
		EmailVerified: true,
	}); perr != nil {
		return nil, perr
	}
	return user, nil
}

// padResponse stretches the call to the floor plus jitter.
func (s *Service) padResponse(started time.Time) {
	elapsed := s.now().Sub(started)
	jitter, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		jitter = big.NewInt(0)
	}
	target := minResponseTime + time.Duration(jitter.Int64())*time.Millisecond
	if elapsed < target {
		s.sleep(target - elapsed)
	}
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func randomSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// digest keys the HMAC with the per-challenge salt over every binding
// input, so a digest never matches across challenges or sessions.
func digest(salt, email, otpSessionID string, issuedAt int64, code string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(email))
	mac.Write([]byte{0})
	mac.Write([]byte(otpSessionID))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(issuedAt, 10)))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}
