// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dario.cat/mergo"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Key prefixes. Redis lets TTLs do the sweeping, so unlike the in-memory
// stores there are no cleanup loops here; expiry reads as ErrNotFound
// because the key is simply gone.
const (
	codeKeyPrefix      = "authrim:code:"
	codesByUserPrefix  = "authrim:codes_by_user:"
	parKeyPrefix       = "authrim:par:"
	challengeKeyPrefix = "authrim:challenge:"
	sessionKeyPrefix   = "authrim:session:"
	rateKeyPrefix      = "authrim:rl:"
	replayKeyPrefix    = "authrim:replay:"
)

// consumeScript atomically reads and deletes single-use state.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  redis.call('DEL', KEYS[1])
end
return v
`)

// putCodeScript stores a code and enforces the per-(user, client) cap by
// evicting the pair's oldest outstanding codes.
var putCodeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
local max = tonumber(ARGV[3])
if max > 0 then
  while redis.call('LLEN', KEYS[2]) > max do
    local old = redis.call('LPOP', KEYS[2])
    redis.call('DEL', ARGV[5] .. old)
  end
end
return 1
`)

// consumeChallengeScript destroys the challenge before checking the kind
// tag, so a kind mismatch still burns the challenge.
var consumeChallengeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return false
end
redis.call('DEL', KEYS[1])
local c = cjson.decode(v)
if c.kind ~= ARGV[1] then
  return false
end
return v
`)

// rateLimitScript is a fixed-window counter: returns 0 when allowed, or
// the remaining window in milliseconds when denied.
var rateLimitScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
if c > tonumber(ARGV[2]) then
  return redis.call('PTTL', KEYS[1])
end
return 0
`)

func ttlFor(expiresAt time.Time) (time.Duration, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: entry would be dead on arrival", ErrExpired)
	}
	return ttl, nil
}

// --- authorization codes ---

// RedisAuthCodeStore stores authorization codes in Redis with atomic
// consume and per-user eviction, both in Lua.
type RedisAuthCodeStore struct {
	client     redis.UniversalClient
	maxPerUser int
}

// NewRedisAuthCodeStore builds a Redis-backed code store.
func NewRedisAuthCodeStore(client redis.UniversalClient, maxPerUser int) *RedisAuthCodeStore {
	return &RedisAuthCodeStore{client: client, maxPerUser: maxPerUser}
}

// Put stores the code, evicting the user+client pair's oldest codes over
// the cap.
func (s *RedisAuthCodeStore) Put(ctx context.Context, rec *AuthCodeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling code record: %w", err)
	}
	ttl, err := ttlFor(rec.ExpiresAt)
	if err != nil {
		return err
	}
	owner := rec.UserID + "\x00" + rec.ClientID
	ok, err := putCodeScript.Run(ctx, s.client,
		[]string{codeKeyPrefix + rec.Code, codesByUserPrefix + owner},
		data, ttl.Milliseconds(), s.maxPerUser, rec.Code, codeKeyPrefix,
	).Int()
	if err != nil {
		return fmt.Errorf("storing code: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: code", ErrAlreadyExists)
	}
	return nil
}

// Consume atomically redeems the code. A missing key covers both
// never-existed and TTL-expired.
func (s *RedisAuthCodeStore) Consume(ctx context.Context, code string) (*AuthCodeRecord, error) {
	raw, err := consumeScript.Run(ctx, s.client, []string{codeKeyPrefix + code}).Text()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: code", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("consuming code: %w", err)
	}
	var rec AuthCodeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling code record: %w", err)
	}
	return &rec, nil
}

// Status is approximate on Redis: a single aggregate bucket counted by
// key scan.
func (s *RedisAuthCodeStore) Status(ctx context.Context) ([]CodeStoreStatus, error) {
	var live int
	iter := s.client.Scan(ctx, 0, codeKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		live++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning codes: %w", err)
	}
	return []CodeStoreStatus{{Shard: 0, Live: live}}, nil
}

// --- pushed authorization requests ---

// RedisPARStore stores pushed authorization requests in Redis.
type RedisPARStore struct {
	client redis.UniversalClient
}

// NewRedisPARStore builds a Redis-backed PAR store.
func NewRedisPARStore(client redis.UniversalClient) *RedisPARStore {
	return &RedisPARStore{client: client}
}

// Put stores the pushed request under its request URI.
func (s *RedisPARStore) Put(ctx context.Context, req *PARRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling pushed request: %w", err)
	}
	ttl, err := ttlFor(req.ExpiresAt)
	if err != nil {
		return err
	}
	set, err := s.client.SetNX(ctx, parKeyPrefix+req.RequestURI, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("storing pushed request: %w", err)
	}
	if !set {
		return fmt.Errorf("%w: request_uri", ErrAlreadyExists)
	}
	return nil
}

// Consume atomically redeems the request URI.
func (s *RedisPARStore) Consume(ctx context.Context, requestURI string) (*PARRequest, error) {
	raw, err := consumeScript.Run(ctx, s.client, []string{parKeyPrefix + requestURI}).Text()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: request_uri", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("consuming pushed request: %w", err)
	}
	var req PARRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("unmarshaling pushed request: %w", err)
	}
	return &req, nil
}

// --- challenges ---

// RedisChallengeStore stores interaction challenges in Redis, with the
// kind check folded into the atomic consume.
type RedisChallengeStore struct {
	client redis.UniversalClient
}

// NewRedisChallengeStore builds a Redis-backed challenge store.
func NewRedisChallengeStore(client redis.UniversalClient) *RedisChallengeStore {
	return &RedisChallengeStore{client: client}
}

// Put stores a challenge.
func (s *RedisChallengeStore) Put(ctx context.Context, c *Challenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling challenge: %w", err)
	}
	ttl, err := ttlFor(c.ExpiresAt)
	if err != nil {
		return err
	}
	set, err := s.client.SetNX(ctx, challengeKeyPrefix+c.ID, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("storing challenge: %w", err)
	}
	if !set {
		return fmt.Errorf("%w: challenge", ErrAlreadyExists)
	}
	return nil
}

// Peek reads without consuming.
func (s *RedisChallengeStore) Peek(ctx context.Context, id string, kind ChallengeKind) (*Challenge, error) {
	raw, err := s.client.Get(ctx, challengeKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("reading challenge: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c.Kind != kind {
		return nil, ErrInvalidChallenge
	}
	return &c, nil
}

// Consume atomically reads and destroys the challenge, checking the kind.
func (s *RedisChallengeStore) Consume(ctx context.Context, id string, kind ChallengeKind) (*Challenge, error) {
	raw, err := consumeChallengeScript.Run(ctx, s.client,
		[]string{challengeKeyPrefix + id}, string(kind)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, ErrInvalidChallenge
	}
	return &c, nil
}

// Delete removes a challenge if present.
func (s *RedisChallengeStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, challengeKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("deleting challenge: %w", err)
	}
	return nil
}

// --- sessions ---

// RedisSessionStore stores sessions in Redis. Patch and Associate use
// optimistic WATCH transactions; concurrent writers retry through a
// singleflight group keyed by session id to keep contention off Redis.
type RedisSessionStore struct {
	client redis.UniversalClient
	group  singleflight.Group
}

// NewRedisSessionStore builds a Redis-backed session store.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// Create stores a new session.
func (s *RedisSessionStore) Create(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	ttl, err := ttlFor(sess.ExpiresAt)
	if err != nil {
		return err
	}
	set, err := s.client.SetNX(ctx, sessionKeyPrefix+sess.ID, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	if !set {
		return fmt.Errorf("%w: session", ErrAlreadyExists)
	}
	return nil
}

// Get returns the session.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &sess, nil
}

// mutate applies fn to the stored session under WATCH, retrying on
// conflict.
func (s *RedisSessionStore) mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	key := sessionKeyPrefix + id
	out, err, _ := s.group.Do(id, func() (any, error) {
		var updated *Session
		txn := func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: session", ErrNotFound)
			}
			if err != nil {
				return err
			}
			var sess Session
			if err := json.Unmarshal([]byte(raw), &sess); err != nil {
				return fmt.Errorf("unmarshaling session: %w", err)
			}
			if err := fn(&sess); err != nil {
				return err
			}
			data, err := json.Marshal(&sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, redis.KeepTTL)
				return nil
			})
			if err != nil {
				return err
			}
			updated = &sess
			return nil
		}
		for range 3 {
			err := s.client.Watch(ctx, txn, key)
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return updated, nil
		}
		return nil, fmt.Errorf("session update conflicted repeatedly")
	})
	if err != nil {
		return nil, err
	}
	return out.(*Session), nil
}

// Patch deep-merges the patch into the stored session.
func (s *RedisSessionStore) Patch(ctx context.Context, id string, patch *Session) (*Session, error) {
	return s.mutate(ctx, id, func(sess *Session) error {
		if err := mergo.Merge(sess, *patch, mergo.WithOverride); err != nil {
			return fmt.Errorf("merging session patch: %w", err)
		}
		return nil
	})
}

// Associate appends a client association, replacing any earlier one for
// the same client.
func (s *RedisSessionStore) Associate(ctx context.Context, id string, assoc ClientAssociation) error {
	_, err := s.mutate(ctx, id, func(sess *Session) error {
		kept := sess.Associations[:0]
		for _, a := range sess.Associations {
			if a.ClientID != assoc.ClientID {
				kept = append(kept, a)
			}
		}
		sess.Associations = append(kept, assoc)
		return nil
	})
	return err
}

// Delete removes the session if present.
func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// --- rate limiting ---

// RedisRateLimiter is a fixed-window counter in Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
}

// NewRedisRateLimiter builds a Redis-backed rate limiter.
func NewRedisRateLimiter(client redis.UniversalClient) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

// Allow consumes one unit from the key's window.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ms, err := rateLimitScript.Run(ctx, l.client,
		[]string{rateKeyPrefix + key}, window.Milliseconds(), limit).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if ms > 0 {
		return false, time.Duration(ms) * time.Millisecond, nil
	}
	return true, 0, nil
}

// --- replay protection ---

// RedisReplayStore records single-use identifiers via SET NX.
type RedisReplayStore struct {
	client redis.UniversalClient
}

// NewRedisReplayStore builds a Redis-backed replay store.
func NewRedisReplayStore(client redis.UniversalClient) *RedisReplayStore {
	return &RedisReplayStore{client: client}
}

// MarkOnce stores the key for ttl; a live duplicate is ErrAlreadyExists.
func (s *RedisReplayStore) MarkOnce(ctx context.Context, key string, ttl time.Duration) error {
	set, err := s.client.SetNX(ctx, replayKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("recording identifier: %w", err)
	}
	if !set {
		return fmt.Errorf("%w: replayed identifier", ErrAlreadyExists)
	}
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuthCodeStore  = (*RedisAuthCodeStore)(nil)
	_ PARStore       = (*RedisPARStore)(nil)
	_ ChallengeStore = (*RedisChallengeStore)(nil)
	_ SessionStore   = (*RedisSessionStore)(nil)
	_ RateLimiter    = (*RedisRateLimiter)(nil)
	_ ReplayStore    = (*RedisReplayStore)(nil)
)
