// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"time"

	"dario.cat/mergo"

	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/sharding"
)

const sweepInterval = 30 * time.Second

type memEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e memEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

func hashShard(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// --- authorization codes ---

type codeShard struct {
	loop       *actor
	index      int
	codes      map[string]memEntry[*AuthCodeRecord]
	byOwner    map[string][]string
	maxPerUser int
}

// codeOwnerKey scopes the outstanding-code cap to one (user, client)
// pair; codes issued to other clients of the same user never count
// against it.
func codeOwnerKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

// MemoryAuthCodeStore keeps authorization codes in per-shard actors. Codes
// embed their shard index, so routing survives shard-count reloads: the
// store is sized to the maximum shard count and old codes keep resolving
// to the shard that holds them.
type MemoryAuthCodeStore struct {
	shards []*codeShard
}

// NewMemoryAuthCodeStore builds a store with the given shard count and
// per-user outstanding-code cap.
func NewMemoryAuthCodeStore(shardCount, maxPerUser int) *MemoryAuthCodeStore {
	if shardCount < 1 {
		shardCount = 1
	}
	s := &MemoryAuthCodeStore{shards: make([]*codeShard, shardCount)}
	for i := range s.shards {
		sh := &codeShard{
			index:      i,
			codes:      make(map[string]memEntry[*AuthCodeRecord]),
			byOwner:    make(map[string][]string),
			maxPerUser: maxPerUser,
		}
		sh.loop = newActor(64, sweepInterval, sh.sweep)
		s.shards[i] = sh
	}
	return s
}

func (s *MemoryAuthCodeStore) shardFor(code string) *codeShard {
	shard, ok := sharding.ShardOfID(code)
	if !ok || shard >= len(s.shards) {
		shard = hashShard(code, len(s.shards))
	}
	return s.shards[shard]
}

// Put stores a code, evicting the user+client pair's oldest outstanding
// code when the cap is reached. Because codes for one session collocate
// on the session's shard, the per-shard cap holds per pair in practice.
func (s *MemoryAuthCodeStore) Put(ctx context.Context, rec *AuthCodeRecord) error {
	sh := s.shardFor(rec.Code)
	cp := *rec
	return sh.loop.exec2(ctx, func() error {
		now := time.Now()
		if e, ok := sh.codes[cp.Code]; ok && !e.expired(now) {
			return fmt.Errorf("%w: code", ErrAlreadyExists)
		}
		owner := codeOwnerKey(cp.UserID, cp.ClientID)
		if sh.maxPerUser > 0 {
			sh.evictOldest(owner, now)
		}
		sh.codes[cp.Code] = memEntry[*AuthCodeRecord]{value: &cp, expiresAt: cp.ExpiresAt}
		sh.byOwner[owner] = append(sh.byOwner[owner], cp.Code)
		return nil
	})
}

// evictOldest trims the pair's live codes down to maxPerUser-1, oldest
// first. Runs on the shard loop.
func (sh *codeShard) evictOldest(owner string, now time.Time) {
	live := sh.byOwner[owner][:0]
	for _, code := range sh.byOwner[owner] {
		if e, ok := sh.codes[code]; ok && !e.expired(now) {
			live = append(live, code)
		}
	}
	for len(live) >= sh.maxPerUser {
		delete(sh.codes, live[0])
		logger.Debugw("evicted oldest authorization code", "shard", sh.index)
		live = live[1:]
	}
	sh.byOwner[owner] = live
	if len(live) == 0 {
		delete(sh.byOwner, owner)
	}
}

// Consume destroys the code on read. Expired entries are destroyed too and
// reported as ErrExpired.
func (s *MemoryAuthCodeStore) Consume(ctx context.Context, code string) (*AuthCodeRecord, error) {
	sh := s.shardFor(code)
	return call(ctx, sh.loop, func() (*AuthCodeRecord, error) {
		e, ok := sh.codes[code]
		if !ok {
			return nil, fmt.Errorf("%w: code", ErrNotFound)
		}
		delete(sh.codes, code)
		owner := codeOwnerKey(e.value.UserID, e.value.ClientID)
		sh.byOwner[owner] = slices.DeleteFunc(sh.byOwner[owner],
			func(c string) bool { return c == code })
		if e.expired(time.Now()) {
			return nil, fmt.Errorf("%w: code", ErrExpired)
		}
		cp := *e.value
		return &cp, nil
	})
}

// Status reports live entry counts per shard.
func (s *MemoryAuthCodeStore) Status(ctx context.Context) ([]CodeStoreStatus, error) {
	out := make([]CodeStoreStatus, 0, len(s.shards))
	for _, sh := range s.shards {
		st, err := call(ctx, sh.loop, func() (CodeStoreStatus, error) {
			now := time.Now()
			live := 0
			for _, e := range sh.codes {
				if !e.expired(now) {
					live++
				}
			}
			return CodeStoreStatus{Shard: sh.index, Live: live}, nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (sh *codeShard) sweep(now time.Time) {
	for code, e := range sh.codes {
		if e.expired(now) {
			delete(sh.codes, code)
			owner := codeOwnerKey(e.value.UserID, e.value.ClientID)
			sh.byOwner[owner] = slices.DeleteFunc(sh.byOwner[owner],
				func(c string) bool { return c == code })
		}
	}
}

// Close stops all shard loops.
func (s *MemoryAuthCodeStore) Close() {
	for _, sh := range s.shards {
		sh.loop.stop()
	}
}

// --- pushed authorization requests ---

type parShard struct {
	loop *actor
	reqs map[string]memEntry[*PARRequest]
}

// MemoryPARStore keeps pushed authorization requests in per-shard actors,
// routed by the shard index baked into the request URI.
type MemoryPARStore struct {
	shards []*parShard
}

// NewMemoryPARStore builds a store with the given shard count.
func NewMemoryPARStore(shardCount int) *MemoryPARStore {
	if shardCount < 1 {
		shardCount = 1
	}
	s := &MemoryPARStore{shards: make([]*parShard, shardCount)}
	for i := range s.shards {
		sh := &parShard{reqs: make(map[string]memEntry[*PARRequest])}
		sh.loop = newActor(64, sweepInterval, sh.sweep)
		s.shards[i] = sh
	}
	return s
}

func (s *MemoryPARStore) shardFor(requestURI string) *parShard {
	shard := 0
	if parsed, err := sharding.ParseRequestURI(requestURI); err == nil && parsed.Shard < len(s.shards) {
		shard = parsed.Shard
	} else {
		shard = hashShard(requestURI, len(s.shards))
	}
	return s.shards[shard]
}

// Put stores a pushed request under its request URI.
func (s *MemoryPARStore) Put(ctx context.Context, req *PARRequest) error {
	sh := s.shardFor(req.RequestURI)
	cp := *req
	return sh.loop.exec2(ctx, func() error {
		if e, ok := sh.reqs[cp.RequestURI]; ok && !e.expired(time.Now()) {
			return fmt.Errorf("%w: request_uri", ErrAlreadyExists)
		}
		sh.reqs[cp.RequestURI] = memEntry[*PARRequest]{value: &cp, expiresAt: cp.ExpiresAt}
		return nil
	})
}

// Consume redeems the request URI; single use.
func (s *MemoryPARStore) Consume(ctx context.Context, requestURI string) (*PARRequest, error) {
	sh := s.shardFor(requestURI)
	return call(ctx, sh.loop, func() (*PARRequest, error) {
		e, ok := sh.reqs[requestURI]
		if !ok {
			return nil, fmt.Errorf("%w: request_uri", ErrNotFound)
		}
		delete(sh.reqs, requestURI)
		if e.expired(time.Now()) {
			return nil, fmt.Errorf("%w: request_uri", ErrExpired)
		}
		cp := *e.value
		return &cp, nil
	})
}

func (sh *parShard) sweep(now time.Time) {
	for uri, e := range sh.reqs {
		if e.expired(now) {
			delete(sh.reqs, uri)
		}
	}
}

// Close stops all shard loops.
func (s *MemoryPARStore) Close() {
	for _, sh := range s.shards {
		sh.loop.stop()
	}
}

// --- challenges ---

type challengeShard struct {
	loop       *actor
	challenges map[string]memEntry[*Challenge]
}

// MemoryChallengeStore keeps interaction challenges in per-shard actors,
// routed by hashing the challenge id.
type MemoryChallengeStore struct {
	shards []*challengeShard
}

// NewMemoryChallengeStore builds a store with the given shard count.
func NewMemoryChallengeStore(shardCount int) *MemoryChallengeStore {
	if shardCount < 1 {
		shardCount = 1
	}
	s := &MemoryChallengeStore{shards: make([]*challengeShard, shardCount)}
	for i := range s.shards {
		sh := &challengeShard{challenges: make(map[string]memEntry[*Challenge])}
		sh.loop = newActor(64, sweepInterval, sh.sweep)
		s.shards[i] = sh
	}
	return s
}

func (s *MemoryChallengeStore) shardFor(id string) *challengeShard {
	return s.shards[hashShard(id, len(s.shards))]
}

// Put stores a challenge.
func (s *MemoryChallengeStore) Put(ctx context.Context, c *Challenge) error {
	sh := s.shardFor(c.ID)
	cp := *c
	return sh.loop.exec2(ctx, func() error {
		if e, ok := sh.challenges[cp.ID]; ok && !e.expired(time.Now()) {
			return fmt.Errorf("%w: challenge", ErrAlreadyExists)
		}
		sh.challenges[cp.ID] = memEntry[*Challenge]{value: &cp, expiresAt: cp.ExpiresAt}
		return nil
	})
}

// Peek reads without consuming. Failures collapse to ErrInvalidChallenge.
func (s *MemoryChallengeStore) Peek(ctx context.Context, id string, kind ChallengeKind) (*Challenge, error) {
	sh := s.shardFor(id)
	return call(ctx, sh.loop, func() (*Challenge, error) {
		e, ok := sh.challenges[id]
		if !ok || e.expired(time.Now()) || e.value.Kind != kind {
			return nil, ErrInvalidChallenge
		}
		cp := *e.value
		return &cp, nil
	})
}

// Consume destroys the challenge on read, checking the kind tag. Missing,
// expired, and kind-mismatched all return the same ErrInvalidChallenge.
func (s *MemoryChallengeStore) Consume(ctx context.Context, id string, kind ChallengeKind) (*Challenge, error) {
	sh := s.shardFor(id)
	return call(ctx, sh.loop, func() (*Challenge, error) {
		e, ok := sh.challenges[id]
		if !ok {
			return nil, ErrInvalidChallenge
		}
		delete(sh.challenges, id)
		if e.expired(time.Now()) || e.value.Kind != kind {
			return nil, ErrInvalidChallenge
		}
		cp := *e.value
		return &cp, nil
	})
}

// Delete removes a challenge if present.
func (s *MemoryChallengeStore) Delete(ctx context.Context, id string) error {
	sh := s.shardFor(id)
	return sh.loop.exec2(ctx, func() error {
		delete(sh.challenges, id)
		return nil
	})
}

func (sh *challengeShard) sweep(now time.Time) {
	for id, e := range sh.challenges {
		if e.expired(now) {
			delete(sh.challenges, id)
		}
	}
}

// Close stops all shard loops.
func (s *MemoryChallengeStore) Close() {
	for _, sh := range s.shards {
		sh.loop.stop()
	}
}

// --- sessions ---

type sessionShard struct {
	loop     *actor
	sessions map[string]*Session
}

// MemorySessionStore keeps sessions in per-shard actors, routed by the
// shard index baked into the session id.
type MemorySessionStore struct {
	shards []*sessionShard
}

// NewMemorySessionStore builds a store with the given shard count.
func NewMemorySessionStore(shardCount int) *MemorySessionStore {
	if shardCount < 1 {
		shardCount = 1
	}
	s := &MemorySessionStore{shards: make([]*sessionShard, shardCount)}
	for i := range s.shards {
		sh := &sessionShard{sessions: make(map[string]*Session)}
		sh.loop = newActor(64, sweepInterval, sh.sweep)
		s.shards[i] = sh
	}
	return s
}

func (s *MemorySessionStore) shardFor(id string) *sessionShard {
	shard, ok := sharding.ShardOfID(id)
	if !ok || shard >= len(s.shards) {
		shard = hashShard(id, len(s.shards))
	}
	return s.shards[shard]
}

// Create stores a new session.
func (s *MemorySessionStore) Create(ctx context.Context, sess *Session) error {
	sh := s.shardFor(sess.ID)
	cp := cloneSession(sess)
	return sh.loop.exec2(ctx, func() error {
		if _, ok := sh.sessions[cp.ID]; ok {
			return fmt.Errorf("%w: session", ErrAlreadyExists)
		}
		sh.sessions[cp.ID] = cp
		return nil
	})
}

// Get returns a copy of the session; expired sessions read as not found.
func (s *MemorySessionStore) Get(ctx context.Context, id string) (*Session, error) {
	sh := s.shardFor(id)
	return call(ctx, sh.loop, func() (*Session, error) {
		sess, ok := sh.sessions[id]
		if !ok {
			return nil, fmt.Errorf("%w: session", ErrNotFound)
		}
		if sess.Expired(time.Now()) {
			delete(sh.sessions, id)
			return nil, fmt.Errorf("%w: session", ErrExpired)
		}
		return cloneSession(sess), nil
	})
}

// Patch deep-merges the patch into the stored session. Non-zero scalar
// fields overwrite; the Data map merges recursively.
func (s *MemorySessionStore) Patch(ctx context.Context, id string, patch *Session) (*Session, error) {
	sh := s.shardFor(id)
	cp := cloneSession(patch)
	return call(ctx, sh.loop, func() (*Session, error) {
		sess, ok := sh.sessions[id]
		if !ok || sess.Expired(time.Now()) {
			return nil, fmt.Errorf("%w: session", ErrNotFound)
		}
		if err := mergo.Merge(sess, *cp, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging session patch: %w", err)
		}
		return cloneSession(sess), nil
	})
}

// Associate appends a client association, replacing any earlier one for
// the same client.
func (s *MemorySessionStore) Associate(ctx context.Context, id string, assoc ClientAssociation) error {
	sh := s.shardFor(id)
	return sh.loop.exec2(ctx, func() error {
		sess, ok := sh.sessions[id]
		if !ok || sess.Expired(time.Now()) {
			return fmt.Errorf("%w: session", ErrNotFound)
		}
		sess.Associations = slices.DeleteFunc(sess.Associations,
			func(a ClientAssociation) bool { return a.ClientID == assoc.ClientID })
		sess.Associations = append(sess.Associations, assoc)
		return nil
	})
}

// Delete removes the session if present.
func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	sh := s.shardFor(id)
	return sh.loop.exec2(ctx, func() error {
		delete(sh.sessions, id)
		return nil
	})
}

func (sh *sessionShard) sweep(now time.Time) {
	for id, sess := range sh.sessions {
		if sess.Expired(now) {
			delete(sh.sessions, id)
		}
	}
}

// Close stops all shard loops.
func (s *MemorySessionStore) Close() {
	for _, sh := range s.shards {
		sh.loop.stop()
	}
}

func cloneSession(s *Session) *Session {
	cp := *s
	if s.Data != nil {
		cp.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			cp.Data[k] = v
		}
	}
	cp.AMR = slices.Clone(s.AMR)
	cp.Associations = slices.Clone(s.Associations)
	return &cp
}

// --- rate limiting ---

type rateWindow struct {
	count   int
	resetAt time.Time
}

// MemoryRateLimiter is a fixed-window counter behind one actor.
type MemoryRateLimiter struct {
	loop    *actor
	windows map[string]*rateWindow
}

// NewMemoryRateLimiter builds a rate limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	l := &MemoryRateLimiter{windows: make(map[string]*rateWindow)}
	l.loop = newActor(128, sweepInterval, l.sweep)
	return l
}

// Allow consumes one unit from the key's window.
func (l *MemoryRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	type verdict struct {
		allowed    bool
		retryAfter time.Duration
	}
	v, err := call(ctx, l.loop, func() (verdict, error) {
		now := time.Now()
		w, ok := l.windows[key]
		if !ok || now.After(w.resetAt) {
			w = &rateWindow{resetAt: now.Add(window)}
			l.windows[key] = w
		}
		w.count++
		if w.count > limit {
			return verdict{allowed: false, retryAfter: time.Until(w.resetAt)}, nil
		}
		return verdict{allowed: true}, nil
	})
	if err != nil {
		return false, 0, err
	}
	return v.allowed, v.retryAfter, nil
}

func (l *MemoryRateLimiter) sweep(now time.Time) {
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

// Close stops the loop.
func (l *MemoryRateLimiter) Close() { l.loop.stop() }

// --- replay protection ---

// MemoryReplayStore records single-use identifiers behind one actor.
type MemoryReplayStore struct {
	loop *actor
	seen map[string]time.Time
}

// NewMemoryReplayStore builds a replay store.
func NewMemoryReplayStore() *MemoryReplayStore {
	s := &MemoryReplayStore{seen: make(map[string]time.Time)}
	s.loop = newActor(128, sweepInterval, s.sweep)
	return s
}

// MarkOnce stores the key for ttl; a live duplicate is ErrAlreadyExists.
func (s *MemoryReplayStore) MarkOnce(ctx context.Context, key string, ttl time.Duration) error {
	return s.loop.exec2(ctx, func() error {
		now := time.Now()
		if exp, ok := s.seen[key]; ok && now.Before(exp) {
			return fmt.Errorf("%w: replayed identifier", ErrAlreadyExists)
		}
		s.seen[key] = now.Add(ttl)
		return nil
	})
}

func (s *MemoryReplayStore) sweep(now time.Time) {
	for key, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, key)
		}
	}
}

// Close stops the loop.
func (s *MemoryReplayStore) Close() { s.loop.stop() }

// Compile-time interface compliance checks.
var (
	_ AuthCodeStore  = (*MemoryAuthCodeStore)(nil)
	_ PARStore       = (*MemoryPARStore)(nil)
	_ ChallengeStore = (*MemoryChallengeStore)(nil)
	_ SessionStore   = (*MemorySessionStore)(nil)
	_ RateLimiter    = (*MemoryRateLimiter)(nil)
	_ ReplayStore    = (*MemoryReplayStore)(nil)
)
