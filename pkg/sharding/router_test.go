// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardForKeyStable(t *testing.T) {
	t.Parallel()

	r := NewRouter(8, "us", 1)
	first := r.ShardForKey("user1client1")
	for range 10 {
		assert.Equal(t, first, r.ShardForKey("user1client1"))
	}
	assert.Less(t, first, 8)
}

func TestAuthCodeFormat(t *testing.T) {
	t.Parallel()

	r := NewRouter(8, "us", 1)
	code := r.NewAuthCode(3)
	assert.True(t, strings.HasPrefix(code, "3_auth_"))

	shard, ok := ShardOfID(code)
	require.True(t, ok)
	assert.Equal(t, 3, shard)

	// 32 bytes of entropy encodes to 43 base64url characters.
	random := strings.TrimPrefix(code, "3_auth_")
	assert.Len(t, random, 43)
}

func TestSessionIDRoundTrip(t *testing.T) {
	t.Parallel()

	r := NewRouter(8, "us", 1)
	id := r.NewSessionID()
	shard, ok := ShardOfID(id)
	require.True(t, ok)
	assert.Less(t, shard, 8)
	assert.Contains(t, id, "_session_")
}

func TestShardOfIDRejectsUnsharded(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "plain-cookie", "_session_x", "x_session_y"} {
		_, ok := ShardOfID(id)
		assert.False(t, ok, "id %q", id)
	}
}

func TestRequestURIRoundTrip(t *testing.T) {
	t.Parallel()

	r := NewRouter(8, "eu", 2)
	uri := r.NewRequestURI()
	assert.True(t, strings.HasPrefix(uri, RequestURIPrefix+"g2:eu:"))

	parsed, err := ParseRequestURI(uri)
	require.NoError(t, err)
	assert.Equal(t, 2, parsed.Generation)
	assert.Equal(t, "eu", parsed.Region)
	assert.Less(t, parsed.Shard, 8)
}

func TestParseRequestURIRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, uri := range []string{
		"https://rp.example/cb",
		RequestURIPrefix + "nope",
		RequestURIPrefix + "g1:us:x:par_abc",
		RequestURIPrefix + "g1:us:3:notpar_abc",
	} {
		_, err := ParseRequestURI(uri)
		assert.Error(t, err, "uri %q", uri)
	}
}

func TestCodeShardPrefersSessionLocality(t *testing.T) {
	t.Parallel()

	r := NewRouter(8, "us", 1)
	sid := "5_session_abc"
	assert.Equal(t, 5, r.CodeShard("u1", "c1", sid))

	// Without a sharded session id, falls back to hash(user||client).
	expected := r.ShardForKey("u1c1")
	assert.Equal(t, expected, r.CodeShard("u1", "c1", ""))
}

func TestReloadKeepsOldIDsReadable(t *testing.T) {
	t.Parallel()

	r := NewRouter(8, "us", 1)
	code := r.NewAuthCode(7)

	prev, cur := r.Reload(4)
	assert.Equal(t, 8, prev)
	assert.Equal(t, 4, cur)

	// The code still names its original shard.
	shard, ok := ShardOfID(code)
	require.True(t, ok)
	assert.Equal(t, 7, shard)
}
