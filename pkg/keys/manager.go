// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package keys owns the server's token signing keys: one active RSA-2048
// key plus retired keys kept for a grace period so tokens signed before a
// rotation stay verifiable against the published JWKS.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/pkg/josekit"
	"github.com/authrim/authrim/pkg/logger"
)

const rsaKeyBits = 2048

// Material is one signing key with its derived key id. RetiredAt is zero
// while the key is active.
type Material struct {
	Key       *rsa.PrivateKey
	KID       string
	CreatedAt time.Time
	RetiredAt time.Time
}

type cachedActive struct {
	material  *Material
	fetchedAt time.Time
}

// Manager holds the active signing key and recently retired keys. Active()
// reads through a short-lived cache so the hot signing path does not take
// the manager lock on every token.
type Manager struct {
	mu       sync.RWMutex
	active   *Material
	retired  []*Material
	grace    time.Duration
	cacheTTL time.Duration
	cache    atomic.Pointer[cachedActive]
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithGracePeriod sets how long retired keys stay in the JWKS.
func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) { m.grace = d }
}

// WithCacheTTL sets the active-key cache lifetime.
func WithCacheTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.cacheTTL = d }
}

// WithInitialKey seeds the manager with an existing key instead of
// generating one, for deployments that persist the key across restarts.
func WithInitialKey(key *rsa.PrivateKey) ManagerOption {
	return func(m *Manager) {
		kid, err := josekit.DeriveKeyID(key)
		if err != nil {
			return
		}
		m.active = &Material{Key: key, KID: kid, CreatedAt: time.Now()}
	}
}

// NewManager builds a manager, generating the first key unless one was
// provided.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		grace:    48 * time.Hour,
		cacheTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.active == nil {
		mat, err := generate()
		if err != nil {
			return nil, err
		}
		m.active = mat
	}
	return m, nil
}

func generate() (*Material, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	kid, err := josekit.DeriveKeyID(key)
	if err != nil {
		return nil, fmt.Errorf("deriving key id: %w", err)
	}
	return &Material{Key: key, KID: kid, CreatedAt: time.Now()}, nil
}

// Active returns the current signing key through the cache.
func (m *Manager) Active() *Material {
	if c := m.cache.Load(); c != nil && time.Since(c.fetchedAt) < m.cacheTTL {
		return c.material
	}
	m.mu.RLock()
	mat := m.active
	m.mu.RUnlock()
	m.cache.Store(&cachedActive{material: mat, fetchedAt: time.Now()})
	return mat
}

// Rotate generates a fresh key, retiring the current one. Retired keys
// older than the grace period are dropped.
func (m *Manager) Rotate() (*Material, error) {
	next, err := generate()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active.RetiredAt = time.Now()
	m.retired = append(m.retired, m.active)
	m.active = next
	m.pruneLocked(time.Now())
	m.cache.Store(nil)
	logger.Infow("rotated signing key", "kid", next.KID, "retired", len(m.retired))
	return next, nil
}

// RotateIfDue rotates only when the active key is older than interval, so
// concurrent callers (or a restarted rotation loop) cannot double-rotate.
func (m *Manager) RotateIfDue(interval time.Duration) (*Material, bool, error) {
	m.mu.RLock()
	age := time.Since(m.active.CreatedAt)
	m.mu.RUnlock()
	if age < interval {
		return nil, false, nil
	}
	mat, err := m.Rotate()
	if err != nil {
		return nil, false, err
	}
	return mat, true, nil
}

func (m *Manager) pruneLocked(now time.Time) {
	kept := m.retired[:0]
	for _, mat := range m.retired {
		if now.Before(mat.retireDeadline(m.grace)) {
			kept = append(kept, mat)
		}
	}
	m.retired = kept
}

// retireDeadline is when a retired key leaves the JWKS. The grace window
// runs from retirement, not creation, so a long-lived key still gets the
// full verify window after rotation.
func (mat *Material) retireDeadline(grace time.Duration) time.Time {
	if mat.RetiredAt.IsZero() {
		return mat.CreatedAt.Add(grace)
	}
	return mat.RetiredAt.Add(grace)
}

// ByKID returns the public key for a kid, searching active then retired.
func (m *Manager) ByKID(kid string) (*rsa.PublicKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active.KID == kid {
		return &m.active.Key.PublicKey, true
	}
	for _, mat := range m.retired {
		if mat.KID == kid {
			return &mat.Key.PublicKey, true
		}
	}
	return nil, false
}

// JWKS exports the public half of every live key.
func (m *Manager) JWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]jose.JSONWebKey, 0, 1+len(m.retired))
	for _, mat := range append([]*Material{m.active}, m.retired...) {
		keys = append(keys, jose.JSONWebKey{
			Key:       &mat.Key.PublicKey,
			KeyID:     mat.KID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Run rotates on the interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, _, err := m.RotateIfDue(interval); err != nil {
				logger.Errorw("signing key rotation failed", "error", err)
			}
		}
	}
}
