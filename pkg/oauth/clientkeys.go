// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/authrim/authrim/pkg/clients"
)

// ClientKeys resolves the JWKS a client signs request objects with,
// preferring the inline jwks and falling back to a cached jwks_uri fetch.
type ClientKeys struct {
	cache *jwk.Cache
}

// NewClientKeys starts the background JWKS cache. The cache refreshes
// registered URLs according to their HTTP cache headers.
func NewClientKeys(ctx context.Context) (*ClientKeys, error) {
	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("creating JWKS cache: %w", err)
	}
	return &ClientKeys{cache: cache}, nil
}

// KeySetFor returns the client's verification keys.
func (ck *ClientKeys) KeySetFor(ctx context.Context, client *clients.Client) (*jose.JSONWebKeySet, error) {
	if client.JWKS != nil && len(client.JWKS.Keys) > 0 {
		return client.JWKS, nil
	}
	if client.JWKSURI == "" {
		return nil, fmt.Errorf("client has no registered keys")
	}
	if !ck.cache.IsRegistered(ctx, client.JWKSURI) {
		if err := ck.cache.Register(ctx, client.JWKSURI); err != nil {
			return nil, fmt.Errorf("registering jwks_uri: %w", err)
		}
	}
	set, err := ck.cache.Lookup(ctx, client.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("fetching jwks_uri: %w", err)
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encoding key set: %w", err)
	}
	var out jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding key set: %w", err)
	}
	return &out, nil
}
