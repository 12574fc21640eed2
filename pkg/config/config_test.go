// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.ShardCount)
	assert.Equal(t, 10*time.Minute, cfg.Lifetimes.AuthorizationCode)
	assert.Equal(t, 24*time.Hour, cfg.Lifetimes.Session)
	assert.Equal(t, time.Minute, cfg.Lifetimes.DPoPProofMaxAge)
	assert.Equal(t, 3, cfg.RateLimits.EmailCode.MaxRequests)
	assert.Equal(t, 900, cfg.RateLimits.EmailCode.WindowSeconds)
	assert.Equal(t, int64(100*1024), cfg.Fetch.MaxBodySize)
	assert.Equal(t, ProfileHuman, cfg.ProfileFor("default"))
	assert.Equal(t, ProfileHuman, cfg.ProfileFor("unknown-tenant"))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero shards",
			mutate:  func(c *Config) { c.ShardCount = 0 },
			wantErr: "shard_count",
		},
		{
			name:    "bad same-site",
			mutate:  func(c *Config) { c.Cookies.SameSite = "strict" },
			wantErr: "same_site",
		},
		{
			name:    "audience bound",
			mutate:  func(c *Config) { c.Features.MaxAudiences = 500 },
			wantErr: "max_audiences",
		},
		{
			name: "unsigned request objects in production",
			mutate: func(c *Config) {
				c.Features.Production = true
				c.Features.AllowUnsignedRequestObjects = true
			},
			wantErr: "production",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPARLifetimeUnderFAPI(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, 10*time.Minute, cfg.PARLifetime())
	cfg.Features.FAPI = true
	assert.Equal(t, time.Minute, cfg.PARLifetime())
}
