// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package store holds the server's ephemeral state: authorization codes,
// pushed authorization requests, interaction challenges, sessions, rate
// limit counters, and replay markers. Every store ships in two flavors, an
// in-memory implementation whose shards are single-writer actor loops, and
// a Redis implementation whose consume paths are atomic Lua scripts. Both
// share consume-on-read semantics: a successful read of single-use state
// destroys it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound means the key does not exist (or was already consumed;
	// callers cannot tell the difference, which is intentional).
	ErrNotFound = errors.New("not found")

	// ErrExpired means the entry existed but its TTL had elapsed.
	ErrExpired = errors.New("expired")

	// ErrAlreadyExists means a Put collided with a live entry.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidChallenge is the uniform error for every challenge
	// consumption failure: missing, expired, or wrong kind. Handlers must
	// not distinguish these cases in responses.
	ErrInvalidChallenge = errors.New("invalid challenge")

	// ErrClosed means the store was shut down.
	ErrClosed = errors.New("store closed")
)

// AuthCodeRecord is the single-use state behind an authorization code. It
// carries everything the token endpoint needs to mint tokens without
// re-reading the authorization request.
type AuthCodeRecord struct {
	Code          string          `json:"code"`
	ClientID      string          `json:"client_id"`
	UserID        string          `json:"user_id"`
	TenantID      string          `json:"tenant_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	RedirectURI   string          `json:"redirect_uri"`
	Scope         string          `json:"scope"`
	Nonce         string          `json:"nonce,omitempty"`
	State         string          `json:"state,omitempty"`
	CodeChallenge string          `json:"code_challenge"`
	AuthTime      time.Time       `json:"auth_time"`
	ACR           string          `json:"acr,omitempty"`
	AMR           []string        `json:"amr,omitempty"`
	Claims        json.RawMessage `json:"claims,omitempty"`
	AuthzDetails  json.RawMessage `json:"authorization_details,omitempty"`
	DPoPJKT       string          `json:"dpop_jkt,omitempty"`
	Audience      []string        `json:"audience,omitempty"`
	SID           string          `json:"sid,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// PARRequest is a pushed authorization request awaiting redemption at the
// authorization endpoint.
type PARRequest struct {
	RequestURI string            `json:"request_uri"`
	ClientID   string            `json:"client_id"`
	Params     map[string]string `json:"params"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// ChallengeKind discriminates the challenge tagged union.
type ChallengeKind string

// Challenge kinds. Consumption must name the expected kind; a mismatch is
// ErrInvalidChallenge like any other failure.
const (
	ChallengeLogin        ChallengeKind = "login"
	ChallengeConsent      ChallengeKind = "consent"
	ChallengePasskeyReg   ChallengeKind = "passkey_registration"
	ChallengePasskeyLogin ChallengeKind = "passkey_login"
	ChallengeEmailOTP     ChallengeKind = "email_otp"
	ChallengeDIDAuth      ChallengeKind = "did_auth"
	ChallengeSAML         ChallengeKind = "saml"
	ChallengeNativeSSO    ChallengeKind = "native_sso"
)

// Challenge is one pending interaction: a login prompt, a consent prompt,
// a WebAuthn ceremony, an email OTP, a DID proof, or an outbound SAML
// AuthnRequest. The payload is an opaque snapshot owned by the kind's
// package; the store never interprets it beyond the kind tag.
type Challenge struct {
	ID        string          `json:"id"`
	Kind      ChallengeKind   `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Snapshot decodes a challenge payload into its typed snapshot.
func Snapshot[T any](c *Challenge) (*T, error) {
	var out T
	if err := json.Unmarshal(c.Payload, &out); err != nil {
		return nil, ErrInvalidChallenge
	}
	return &out, nil
}

// NewChallenge packs a typed snapshot into a challenge.
func NewChallenge(id string, kind ChallengeKind, payload any, ttl time.Duration) (*Challenge, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Challenge{
		ID:        id,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// ClientAssociation records that a session produced tokens for a client,
// for logout fan-out.
type ClientAssociation struct {
	ClientID                  string    `json:"client_id"`
	SID                       string    `json:"sid"`
	FrontchannelLogoutURI     string    `json:"frontchannel_logout_uri,omitempty"`
	BackchannelLogoutURI      string    `json:"backchannel_logout_uri,omitempty"`
	FrontchannelSessionNeeded bool      `json:"frontchannel_session_needed,omitempty"`
	AssociatedAt              time.Time `json:"associated_at"`
}

// Session is the browser session: who authenticated, how, when, plus
// free-form data and the client associations accumulated across flows.
type Session struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id"`
	TenantID     string              `json:"tenant_id,omitempty"`
	AuthTime     time.Time           `json:"auth_time"`
	ACR          string              `json:"acr,omitempty"`
	AMR          []string            `json:"amr,omitempty"`
	Data         map[string]any      `json:"data,omitempty"`
	Associations []ClientAssociation `json:"associations,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	ExpiresAt    time.Time           `json:"expires_at"`
}

// Expired reports whether the session TTL elapsed as of now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// CodeStoreStatus is a point-in-time view of one auth code shard, exposed
// for metrics and the health endpoint.
type CodeStoreStatus struct {
	Shard int `json:"shard"`
	Live  int `json:"live"`
}

// AuthCodeStore holds single-use authorization codes. Put enforces a
// per-user cap by evicting the oldest outstanding code for that user.
type AuthCodeStore interface {
	Put(ctx context.Context, rec *AuthCodeRecord) error
	// Consume atomically reads and destroys the code. A second Consume of
	// the same code returns ErrNotFound.
	Consume(ctx context.Context, code string) (*AuthCodeRecord, error)
	Status(ctx context.Context) ([]CodeStoreStatus, error)
}

// PARStore holds pushed authorization requests keyed by request URI.
type PARStore interface {
	Put(ctx context.Context, req *PARRequest) error
	// Consume atomically redeems the request URI; single use.
	Consume(ctx context.Context, requestURI string) (*PARRequest, error)
}

// ChallengeStore holds pending interaction challenges.
type ChallengeStore interface {
	Put(ctx context.Context, c *Challenge) error
	// Peek reads without consuming; used by multi-step ceremonies that
	// finish the challenge later (WebAuthn options then verify).
	Peek(ctx context.Context, id string, kind ChallengeKind) (*Challenge, error)
	// Consume atomically reads and destroys the challenge, checking the
	// kind tag. Any failure is ErrInvalidChallenge.
	Consume(ctx context.Context, id string, kind ChallengeKind) (*Challenge, error)
	// Delete removes a challenge without reading it (cleanup on abort).
	Delete(ctx context.Context, id string) error
}

// SessionStore holds browser sessions.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Patch deep-merges partial data into the session (nil map fields in
	// the patch are ignored; non-zero scalars overwrite).
	Patch(ctx context.Context, id string, patch *Session) (*Session, error)
	// Associate appends a client association, replacing an earlier
	// association for the same client.
	Associate(ctx context.Context, id string, assoc ClientAssociation) error
	Delete(ctx context.Context, id string) error
}

// RateLimiter is a fixed-window counter.
type RateLimiter interface {
	// Allow consumes one unit from the window and reports whether the
	// caller is under the limit. When denied, retryAfter is the time until
	// the window resets.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// ReplayStore records single-use identifiers (DPoP jti values, SAML
// assertion ids) for their validity window.
type ReplayStore interface {
	// MarkOnce stores the key; ErrAlreadyExists means replay.
	MarkOnce(ctx context.Context, key string, ttl time.Duration) error
}
