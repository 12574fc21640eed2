// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package users is the user directory. User identity (the non-PII core)
// and the profile (the PII partition) are separate records with separate
// accessors, so token minting and logging paths can work without ever
// touching PII.
package users

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrConsentNotFound  = errors.New("consent not found")
	ErrIdentityNotFound = errors.New("identity not found")
	ErrIdentityTaken    = errors.New("identity already linked")
)

// User is the non-PII core record.
type User struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Disabled  bool      `json:"disabled,omitempty"`
}

// Profile is the PII partition: everything here is personal data and must
// never appear in logs.
type Profile struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	PhoneVerified bool   `json:"phone_number_verified,omitempty"`
	Address       string `json:"address,omitempty"`
	Locale        string `json:"locale,omitempty"`
	Picture       string `json:"picture,omitempty"`
}

// LinkedIdentity binds an external authenticator identity (a DID, a SAML
// NameID) to a local user.
type LinkedIdentity struct {
	UserID   string    `json:"user_id"`
	Provider string    `json:"provider"`
	Subject  string    `json:"subject"`
	LinkedAt time.Time `json:"linked_at"`
}

// Consent is a remembered per-client scope grant.
type Consent struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	GrantedAt time.Time `json:"granted_at"`
}

// Covers reports whether the consent covers every requested scope.
func (c *Consent) Covers(requested []string) bool {
	for _, s := range requested {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// Credential is an opaque authenticator credential (a stored passkey). The
// payload belongs to the authenticator package that wrote it.
type Credential struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Directory is the user store.
type Directory interface {
	CreateUser(ctx context.Context, tenantID string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)

	GetProfile(ctx context.Context, userID string) (*Profile, error)
	UpsertProfile(ctx context.Context, p *Profile) error
	FindByEmail(ctx context.Context, email string) (*User, error)

	LinkIdentity(ctx context.Context, li *LinkedIdentity) error
	UnlinkIdentity(ctx context.Context, userID, provider, subject string) error
	FindByIdentity(ctx context.Context, provider, subject string) (*User, error)
	ListIdentities(ctx context.Context, userID string) ([]LinkedIdentity, error)

	GrantConsent(ctx context.Context, c *Consent) error
	GetConsent(ctx context.Context, userID, clientID string) (*Consent, error)
	RevokeConsent(ctx context.Context, userID, clientID string) error

	AddCredential(ctx context.Context, c *Credential) error
	UpdateCredential(ctx context.Context, c *Credential) error
	ListCredentials(ctx context.Context, userID string) ([]Credential, error)
}

type identityKey struct {
	provider string
	subject  string
}

type consentKey struct {
	userID   string
	clientID string
}

// MemoryDirectory is a map-backed Directory.
type MemoryDirectory struct {
	mu          sync.RWMutex
	users       map[string]*User
	profiles    map[string]*Profile
	byEmail     map[string]string
	identities  map[identityKey]*LinkedIdentity
	consents    map[consentKey]*Consent
	credentials map[string][]Credential
}

// NewMemoryDirectory builds an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:       make(map[string]*User),
		profiles:    make(map[string]*Profile),
		byEmail:     make(map[string]string),
		identities:  make(map[identityKey]*LinkedIdentity),
		consents:    make(map[consentKey]*Consent),
		credentials: make(map[string][]Credential),
	}
}

// CreateUser mints a user in the tenant.
func (d *MemoryDirectory) CreateUser(_ context.Context, tenantID string) (*User, error) {
	u := &User{ID: "usr_" + uuid.NewString(), TenantID: tenantID, CreatedAt: time.Now()}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
	cp := *u
	return &cp, nil
}

// GetUser returns the user.
func (d *MemoryDirectory) GetUser(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// GetProfile returns the PII partition for the user.
func (d *MemoryDirectory) GetProfile(_ context.Context, userID string) (*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *p
	return &cp, nil
}

// UpsertProfile writes the PII partition, keeping the email index current.
func (d *MemoryDirectory) UpsertProfile(_ context.Context, p *Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[p.UserID]; !ok {
		return ErrUserNotFound
	}
	if old, ok := d.profiles[p.UserID]; ok && old.Email != "" {
		delete(d.byEmail, normalizeEmail(old.Email))
	}
	cp := *p
	d.profiles[p.UserID] = &cp
	if p.Email != "" {
		d.byEmail[normalizeEmail(p.Email)] = p.UserID
	}
	return nil
}

// FindByEmail resolves a user by (case-folded) email.
func (d *MemoryDirectory) FindByEmail(_ context.Context, email string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *d.users[id]
	return &cp, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LinkIdentity binds an external identity; an identity can belong to only
// one user.
func (d *MemoryDirectory) LinkIdentity(_ context.Context, li *LinkedIdentity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := identityKey{provider: li.Provider, subject: li.Subject}
	if existing, ok := d.identities[key]; ok && existing.UserID != li.UserID {
		return ErrIdentityTaken
	}
	cp := *li
	if cp.LinkedAt.IsZero() {
		cp.LinkedAt = time.Now()
	}
	d.identities[key] = &cp
	return nil
}

// UnlinkIdentity removes the binding if it belongs to the user.
func (d *MemoryDirectory) UnlinkIdentity(_ context.Context, userID, provider, subject string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := identityKey{provider: provider, subject: subject}
	li, ok := d.identities[key]
	if !ok || li.UserID != userID {
		return ErrIdentityNotFound
	}
	delete(d.identities, key)
	return nil
}

// FindByIdentity resolves a user by external identity.
func (d *MemoryDirectory) FindByIdentity(_ context.Context, provider, subject string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	li, ok := d.identities[identityKey{provider: provider, subject: subject}]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	u, ok := d.users[li.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// ListIdentities returns the user's linked identities.
func (d *MemoryDirectory) ListIdentities(_ context.Context, userID string) ([]LinkedIdentity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []LinkedIdentity
	for _, li := range d.identities {
		if li.UserID == userID {
			out = append(out, *li)
		}
	}
	return out, nil
}

// GrantConsent records (or widens) a per-client consent.
func (d *MemoryDirectory) GrantConsent(_ context.Context, c *Consent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := consentKey{userID: c.UserID, clientID: c.ClientID}
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	if cp.GrantedAt.IsZero() {
		cp.GrantedAt = time.Now()
	}
	if existing, ok := d.consents[key]; ok {
		for _, s := range existing.Scopes {
			if !slices.Contains(cp.Scopes, s) {
				cp.Scopes = append(cp.Scopes, s)
			}
		}
	}
	d.consents[key] = &cp
	return nil
}

// GetConsent returns the remembered consent for a user/client pair.
func (d *MemoryDirectory) GetConsent(_ context.Context, userID, clientID string) (*Consent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.consents[consentKey{userID: userID, clientID: clientID}]
	if !ok {
		return nil, ErrConsentNotFound
	}
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp, nil
}

// RevokeConsent drops the remembered consent.
func (d *MemoryDirectory) RevokeConsent(_ context.Context, userID, clientID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.consents, consentKey{userID: userID, clientID: clientID})
	return nil
}

// AddCredential stores an authenticator credential.
func (d *MemoryDirectory) AddCredential(_ context.Context, c *Credential) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *c
	cp.Data = slices.Clone(c.Data)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	d.credentials[c.UserID] = append(d.credentials[c.UserID], cp)
	return nil
}

// UpdateCredential replaces a stored credential by id (sign count bumps).
func (d *MemoryDirectory) UpdateCredential(_ context.Context, c *Credential) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	creds := d.credentials[c.UserID]
	for i := range creds {
		if creds[i].ID == c.ID {
			creds[i].Data = slices.Clone(c.Data)
			return nil
		}
	}
	return fmt.Errorf("%w: credential", ErrUserNotFound)
}

// ListCredentials returns the user's credentials.
func (d *MemoryDirectory) ListCredentials(_ context.Context, userID string) ([]Credential, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	creds := d.credentials[userID]
	out := make([]Credential, len(creds))
	for i, c := range creds {
		out[i] = c
		out[i].Data = slices.Clone(c.Data)
	}
	return out, nil
}

// Compile-time interface compliance check.
var _ Directory = (*MemoryDirectory)(nil)
