// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package sharding maps logical keys (session ids, client ids, challenge
// ids, PAR request URIs) to shard indexes, and owns the sharded id formats.
// The router is the only code that knows the naming scheme; everything else
// handles opaque ActorAddress values and ids.
package sharding

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// RequestURIPrefix is the RFC 9126 URN prefix for pushed request URIs.
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// ActorAddress names one shard instance of an actor kind.
type ActorAddress struct {
	Namespace string
	Name      string
}

// String renders the address as "namespace/name".
func (a ActorAddress) String() string {
	return a.Namespace + "/" + a.Name
}

// Router resolves logical keys to shard indexes. The shard count is
// runtime-reloadable; ids embed their shard index so in-flight state under
// an old count stays resolvable.
type Router struct {
	shardCount atomic.Int32
	region     string
	generation int
}

// NewRouter constructs a router for the given shard count, region, and PAR
// URI generation.
func NewRouter(shardCount int, region string, generation int) *Router {
	r := &Router{region: region, generation: generation}
	r.shardCount.Store(int32(shardCount))
	return r
}

// ShardCount returns the current shard count.
func (r *Router) ShardCount() int {
	return int(r.shardCount.Load())
}

// Reload swaps in a new shard count and returns the previous and current
// values.
func (r *Router) Reload(count int) (previous, current int) {
	if count < 1 {
		count = 1
	}
	previous = int(r.shardCount.Swap(int32(count)))
	return previous, count
}

// ShardForKey hashes an arbitrary key onto a shard.
func (r *Router) ShardForKey(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(r.ShardCount()))
}

// Address returns the actor address for a namespace and shard.
func (r *Router) Address(namespace string, shard int) ActorAddress {
	return ActorAddress{Namespace: namespace, Name: fmt.Sprintf("%s-%d", namespace, shard)}
}

// CodeShard selects the shard for a new authorization code:
// hash(user||client), overridden to the session's shard when a sharded
// session id is available so code consumption stays local to the session.
func (r *Router) CodeShard(userID, clientID, sessionID string) int {
	if shard, ok := ShardOfID(sessionID); ok && shard < r.ShardCount() {
		return shard
	}
	return r.ShardForKey(userID + clientID)
}

// randomToken returns n random bytes, base64url encoded without padding.
func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means the process cannot mint credentials.
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewAuthCode mints a sharded authorization code: "{shard}_auth_{random}"
// with 256 bits of entropy in the random part.
func (r *Router) NewAuthCode(shard int) string {
	return fmt.Sprintf("%d_auth_%s", shard, randomToken(32))
}

// NewSessionID mints a sharded session id, assigning the shard by hashing
// the fresh UUID.
func (r *Router) NewSessionID() string {
	id := uuid.NewString()
	return fmt.Sprintf("%d_session_%s", r.ShardForKey(id), id)
}

// ShardOfID parses the shard index out of a sharded id
// ("{shard}_auth_..." or "{shard}_session_..."). Returns false for
// unsharded values such as legacy cookies.
func ShardOfID(id string) (int, bool) {
	prefix, rest, found := strings.Cut(id, "_")
	if !found || rest == "" {
		return 0, false
	}
	shard, err := strconv.Atoi(prefix)
	if err != nil || shard < 0 {
		return 0, false
	}
	return shard, true
}

// NewRequestURI mints a PAR request URI with the region and shard encoded
// in the URN so the router resolves it without a metadata lookup:
// "urn:ietf:params:oauth:request_uri:g{gen}:{region}:{shard}:par_{uuid}".
func (r *Router) NewRequestURI() string {
	id := uuid.NewString()
	shard := r.ShardForKey(id)
	return fmt.Sprintf("%sg%d:%s:%d:par_%s", RequestURIPrefix, r.generation, r.region, shard, id)
}

// ParsedRequestURI is the decoded form of a PAR request URI.
type ParsedRequestURI struct {
	Generation int
	Region     string
	Shard      int
}

// ParseRequestURI decodes a PAR request URI minted by NewRequestURI.
func ParseRequestURI(requestURI string) (*ParsedRequestURI, error) {
	rest, ok := strings.CutPrefix(requestURI, RequestURIPrefix)
	if !ok {
		return nil, fmt.Errorf("not a pushed request URI")
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 4 || !strings.HasPrefix(parts[0], "g") || !strings.HasPrefix(parts[3], "par_") {
		return nil, fmt.Errorf("malformed pushed request URI")
	}
	gen, err := strconv.Atoi(parts[0][1:])
	if err != nil {
		return nil, fmt.Errorf("malformed generation in request URI")
	}
	shard, err := strconv.Atoi(parts[2])
	if err != nil || shard < 0 {
		return nil, fmt.Errorf("malformed shard in request URI")
	}
	return &ParsedRequestURI{Generation: gen, Region: parts[1], Shard: shard}, nil
}

// NewChallengeID mints a challenge id.
func NewChallengeID() string {
	return uuid.NewString()
}

// NewJTI mints a unique token identifier.
func NewJTI() string {
	return uuid.NewString()
}
