// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrClientNotFound means no client is registered under the id.
var ErrClientNotFound = errors.New("client not found")

// Store is the backing client source.
type Store interface {
	GetClient(ctx context.Context, id string) (*Client, error)
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clients: make(map[string]*Client)}
}

// Register adds or replaces a client.
func (s *MemoryStore) Register(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
}

// GetClient implements Store.
func (s *MemoryStore) GetClient(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrClientNotFound, id)
	}
	cp := *c
	return &cp, nil
}

type cacheEntry struct {
	client    *Client
	fetchedAt time.Time
}

// Registry is a read-through cache over a Store. Lookups for the same id
// in flight collapse through singleflight so a cold cache does not stampede
// the backing store.
type Registry struct {
	store Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
	group singleflight.Group
}

// NewRegistry builds a registry with the given cache TTL.
func NewRegistry(store Store, ttl time.Duration) *Registry {
	return &Registry{
		store: store,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Get returns the client, from cache when fresh.
func (r *Registry) Get(ctx context.Context, id string) (*Client, error) {
	r.mu.RLock()
	e, ok := r.cache[id]
	r.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < r.ttl {
		return e.client, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		c, err := r.store.GetClient(ctx, id)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[id] = cacheEntry{client: c, fetchedAt: time.Now()}
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// Invalidate drops a cached client.
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, id)
}
