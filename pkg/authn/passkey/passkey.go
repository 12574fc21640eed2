// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package passkey implements WebAuthn registration and login. Ceremony
// state lives in single-use challenges, so a verify call can only ever
// match the options call that minted it.
package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
	"github.com/authrim/authrim/pkg/users"
)

// ErrCeremonyFailed is returned for every verification failure. One code
// for all causes keeps credential enumeration blind.
var ErrCeremonyFailed = errors.New("passkey ceremony failed")

// Service runs the two WebAuthn ceremonies.
type Service struct {
	cfg        *config.Config
	web        *webauthn.WebAuthn
	challenges store.ChallengeStore
	sessions   store.SessionStore
	directory  users.Directory
	router     *sharding.Router
}

// New builds the service from the configured relying party identity.
func New(cfg *config.Config, challenges store.ChallengeStore, sessions store.SessionStore,
	directory users.Directory, router *sharding.Router) (*Service, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	return &Service{
		cfg:        cfg,
		web:        web,
		challenges: challenges,
		sessions:   sessions,
		directory:  directory,
		router:     router,
	}, nil
}

// webauthnUser adapts a directory user to the library's interface.
type webauthnUser struct {
	id          string
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u *webauthnUser) WebAuthnName() string                       { return u.name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.displayName }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
func (u *webauthnUser) WebAuthnIcon() string                       { return "" }

func (s *Service) loadUser(ctx context.Context, userID string) (*webauthnUser, error) {
	if _, err := s.directory.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	u := &webauthnUser{id: userID, name: userID, displayName: userID}
	if profile, err := s.directory.GetProfile(ctx, userID); err == nil {
		if profile.Email != "" {
			u.name = profile.Email
		}
		if profile.Name != "" {
			u.displayName = profile.Name
		}
	}
	stored, err := s.directory.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range stored {
		var cred webauthn.Credential
		if err := json.Unmarshal(c.Data, &cred); err != nil {
			logger.Warnw("skipping undecodable credential", "credential_id", c.ID)
			continue
		}
		u.credentials = append(u.credentials, cred)
	}
	return u, nil
}

// ceremonyState is the challenge payload for both ceremonies.
type ceremonyState struct {
	UserID  string               `json:"user_id"`
	Session webauthn.SessionData `json:"session"`
}

// Options is one ceremony's client-side half.
type Options struct {
	ChallengeID string `json:"challenge_id"`
	// Options is the CredentialCreation or CredentialAssertion document
	// the browser feeds to navigator.credentials.
	Options any `json:"options"`
}

// BeginRegistration mints creation options for a signed-in user.
func (s *Service) BeginRegistration(ctx context.Context, userID string) (*Options, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Exclude already-registered credentials so the authenticator prompts
	// for a new one.
	excluded := make([]protocol.CredentialDescriptor, 0, len(user.credentials))
	for _, c := range user.credentials {
		excluded = append(excluded, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.ID,
		})
	}

	creation, session, err := s.web.BeginRegistration(user,
		webauthn.WithExclusions(excluded),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}
	return s.park(ctx, store.ChallengePasskeyReg, userID, session, creation)
}

// FinishRegistration verifies the attestation response and stores the new
// credential.
func (s *Service) FinishRegistration(ctx context.Context, challengeID string, r *http.Request) error {
	state, err := s.consume(ctx, challengeID, store.ChallengePasskeyReg)
	if err != nil {
		return ErrCeremonyFailed
	}
	user, err := s.loadUser(ctx, state.UserID)
	if err != nil {
		return ErrCeremonyFailed
	}
	credential, err := s.web.FinishRegistration(user, state.Session, r)
	if err != nil {
		logger.Debugw("registration ceremony rejected", "error", err)
		return ErrCeremonyFailed
	}
	data, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	return s.directory.AddCredential(ctx, &users.Credential{
		ID:        base64.RawURLEncoding.EncodeToString(credential.ID),
		UserID:    state.UserID,
		Data:      data,
		CreatedAt: time.Now(),
	})
}

// BeginLogin mints assertion options for a known user.
func (s *Service) BeginLogin(ctx context.Context, userID string) (*Options, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil || len(user.credentials) == 0 {
		return nil, ErrCeremonyFailed
	}
	assertion, session, err := s.web.BeginLogin(user)
	if err != nil {
		return nil, fmt.Errorf("beginning login: %w", err)
	}
	return s.park(ctx, store.ChallengePasskeyLogin, userID, session, assertion)
}

// BeginDiscoverableLogin mints assertion options without naming a user;
// the authenticator picks a resident credential.
func (s *Service) BeginDiscoverableLogin(ctx context.Context) (*Options, error) {
	assertion, session, err := s.web.BeginDiscoverableLogin()
	if err != nil {
		return nil, fmt.Errorf("beginning discoverable login: %w", err)
	}
	return s.park(ctx, store.ChallengePasskeyLogin, "", session, assertion)
}

// FinishLogin verifies the assertion, bumps the sign counter, and creates
// a session for the proven user.
func (s *Service) FinishLogin(ctx context.Context, challengeID string, r *http.Request) (*store.Session, error) {
	state, err := s.consume(ctx, challengeID, store.ChallengePasskeyLogin)
	if err != nil {
		return nil, ErrCeremonyFailed
	}

	var credential *webauthn.Credential
	userID := state.UserID
	if userID != "" {
		user, uerr := s.loadUser(ctx, userID)
		if uerr != nil {
			return nil, ErrCeremonyFailed
		}
		credential, err = s.web.FinishLogin(user, state.Session, r)
	} else {
		credential, err = s.web.FinishDiscoverableLogin(func(_, userHandle []byte) (webauthn.User, error) {
			id := string(userHandle)
			user, uerr := s.loadUser(ctx, id)
			if uerr != nil {
				return nil, uerr
			}
			userID = id
			return user, nil
		}, state.Session, r)
	}
	if err != nil {
		logger.Debugw("login ceremony rejected", "error", err)
		return nil, ErrCeremonyFailed
	}

	if credential.Authenticator.CloneWarning {
		logger.Warnw("authenticator clone warning", "user_id", userID)
		return nil, ErrCeremonyFailed
	}
	s.storeCounter(ctx, userID, credential)

	now := time.Now()
	sess := &store.Session{
		ID:        s.router.NewSessionID(),
		UserID:    userID,
		AuthTime:  now,
		AMR:       []string{"webauthn"},
		ACR:       "urn:authrim:acr:passkey",
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Lifetimes.Session),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

func (s *Service) park(ctx context.Context, kind store.ChallengeKind, userID string,
	session *webauthn.SessionData, options any) (*Options, error) {
	id := uuid.NewString()
	challenge, err := store.NewChallenge(id, kind, &ceremonyState{
		UserID:  userID,
		Session: *session,
	}, s.cfg.Lifetimes.Challenge)
	if err != nil {
		return nil, err
	}
	if err := s.challenges.Put(ctx, challenge); err != nil {
		return nil, err
	}
	return &Options{ChallengeID: id, Options: options}, nil
}

func (s *Service) consume(ctx context.Context, challengeID string, kind store.ChallengeKind) (*ceremonyState, error) {
	challenge, err := s.challenges.Consume(ctx, challengeID, kind)
	if err != nil {
		return nil, err
	}
	return store.Snapshot[ceremonyState](challenge)
}

// storeCounter persists the updated sign counter; a failure here is not a
// login failure.
func (s *Service) storeCounter(ctx context.Context, userID string, credential *webauthn.Credential) {
	data, err := json.Marshal(credential)
	if err != nil {
		return
	}
	err = s.directory.UpdateCredential(ctx, &users.Credential{
		ID:     base64.RawURLEncoding.EncodeToString(credential.ID),
		UserID: userID,
		Data:   data,
	})
	if err != nil {
		logger.Warnw("updating credential counter failed", "user_id", userID, "error", err)
	}
}
