// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package didauth authenticates users by DID-signed challenge proofs and
// manages DID-to-account links.
package didauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/josekit"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

// IdentityProvider is the provider tag for linked DIDs.
const IdentityProvider = "did"

// ErrProofInvalid covers every verification failure uniformly.
var ErrProofInvalid = errors.New("DID proof verification failed")

// Service runs the challenge/proof ceremony.
type Service struct {
	cfg        *config.Config
	resolver   *Resolver
	challenges store.ChallengeStore
	sessions   store.SessionStore
	directory  users.Directory
	router     *sharding.Router
}

// New builds the service.
func New(cfg *config.Config, resolver *Resolver, challenges store.ChallengeStore,
	sessions store.SessionStore, directory users.Directory, router *sharding.Router) *Service {
	return &Service{
		cfg:        cfg,
		resolver:   resolver,
		challenges: challenges,
		sessions:   sessions,
		directory:  directory,
		router:     router,
	}
}

type didState struct {
	DID   string `json:"did"`
	Nonce string `json:"nonce"`
	// LinkUserID is set when the ceremony links a DID to a signed-in
	// account instead of signing in.
	LinkUserID string `json:"link_user_id,omitempty"`
}

// ChallengeResult is the begin response.
type ChallengeResult struct {
	ChallengeID string `json:"challenge_id"`
	Nonce       string `json:"nonce"`
	ExpiresIn   int    `json:"expires_in"`
}

// Begin mints a nonce the wallet must sign.
func (s *Service) Begin(ctx context.Context, did string) (*ChallengeResult, error) {
	return s.begin(ctx, did, "")
}

// BeginLink mints a linking challenge for a signed-in user.
func (s *Service) BeginLink(ctx context.Context, userID, did string) (*ChallengeResult, error) {
	if _, err := s.directory.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.begin(ctx, did, userID)
}

func (s *Service) begin(ctx context.Context, did, linkUserID string) (*ChallengeResult, error) {
	if did == "" {
		return nil, ErrProofInvalid
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	id := uuid.NewString()
	state := &didState{
		DID:        did,
		Nonce:      base64.RawURLEncoding.EncodeToString(nonce),
		LinkUserID: linkUserID,
	}
	challenge, err := store.NewChallenge(id, store.ChallengeDIDAuth, state, s.cfg.Lifetimes.Challenge)
	if err != nil {
		return nil, err
	}
	if err := s.challenges.Put(ctx, challenge); err != nil {
		return nil, err
	}
	return &ChallengeResult{
		ChallengeID: id,
		Nonce:       state.Nonce,
		ExpiresIn:   int(s.cfg.Lifetimes.Challenge / time.Second),
	}, nil
}

type proofClaims struct {
	Issuer   string `json:"iss"`
	Audience any    `json:"aud"`
	Nonce    string `json:"nonce"`
}

// Verify checks the signed proof and signs the user in (or completes a
// link). The proof must use an asymmetric DID-appropriate algorithm;
// alg=none never parses.
func (s *Service) Verify(ctx context.Context, challengeID, proof string) (*store.Session, error) {
	state, err := s.verifyProof(ctx, challengeID, proof)
	if err != nil {
		return nil, err
	}
	if state.LinkUserID != "" {
		if err := s.directory.LinkIdentity(ctx, &users.LinkedIdentity{
			UserID:   state.LinkUserID,
			Provider: IdentityProvider,
			Subject:  state.DID,
			LinkedAt: time.Now(),
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	user, err := s.userForDID(ctx, state.DID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &store.Session{
		ID:        s.router.NewSessionID(),
		UserID:    user.ID,
		TenantID:  user.TenantID,
		AuthTime:  now,
		AMR:       []string{"did"},
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Lifetimes.Session),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) verifyProof(ctx context.Context, challengeID, proof string) (*didState, error) {
	challenge, err := s.challenges.Consume(ctx, challengeID, store.ChallengeDIDAuth)
	if err != nil {
		return nil, ErrProofInvalid
	}
	state, err := store.Snapshot[didState](challenge)
	if err != nil {
		return nil, ErrProofInvalid
	}

	keys, err := s.resolver.Resolve(ctx, state.DID)
	if err != nil {
		logger.Debugw("DID resolution failed", "error", err)
		return nil, ErrProofInvalid
	}

	var claims proofClaims
	verified := false
	for _, key := range keys {
		claims = proofClaims{}
		if verr := josekit.VerifyWithKey(proof, key, josekit.ECDSAAlgorithms, &claims); verr == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, ErrProofInvalid
	}

	if claims.Issuer != state.DID {
		return nil, ErrProofInvalid
	}
	if !audienceMatches(claims.Audience, s.cfg.IssuerURL) {
		return nil, ErrProofInvalid
	}
	if claims.Nonce != state.Nonce {
		return nil, ErrProofInvalid
	}
	return state, nil
}

func audienceMatches(aud any, issuer string) bool {
	switch v := aud.(type) {
	case string:
		return v == issuer
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok && s == issuer {
				return true
			}
		}
	}
	return false
}

func (s *Service) userForDID(ctx context.Context, did string) (*users.User, error) {
	user, err := s.directory.FindByIdentity(ctx, IdentityProvider, did)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, users.ErrIdentityNotFound) {
		return nil, err
	}
	user, err = s.directory.CreateUser(ctx, "default")
	if err != nil {
		return nil, err
	}
	if lerr := s.directory.LinkIdentity(ctx, &users.LinkedIdentity{
		UserID:   user.ID,
		Provider: IdentityProvider,
		Subject:  did,
		LinkedAt: time.Now(),
	}); lerr != nil {
		return nil, lerr
	}
	return user, nil
}

// Unlink removes a DID from an account.
func (s *Service) Unlink(ctx context.Context, userID, did string) error {
	return s.directory.UnlinkIdentity(ctx, userID, IdentityProvider, did)
}

// Links lists the account's DIDs.
func (s *Service) Links(ctx context.Context, userID string) ([]string, error) {
	identities, err := s.directory.ListIdentities(ctx, userID)
	if err != nil {
		return nil, err
	}
	var dids []string
	for _, li := range identities {
		if li.Provider == IdentityProvider {
			dids = append(dids, li.Subject)
		}
	}
	return dids, nil
}
