// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
)

// PushedRequests implements RFC 9126: authenticated clients push their
// authorization parameters ahead of time and receive a one-time request
// URI.
type PushedRequests struct {
	cfg       *config.Config
	par       store.PARStore
	router    *sharding.Router
	validator *Validator
}

// NewPushedRequests builds the PAR service.
func NewPushedRequests(cfg *config.Config, par store.PARStore, router *sharding.Router, validator *Validator) *PushedRequests {
	return &PushedRequests{cfg: cfg, par: par, router: router, validator: validator}
}

// PushResult is the RFC 9126 response body.
type PushResult struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// Push validates and stores a pushed authorization request for the
// authenticated client.
func (p *PushedRequests) Push(ctx context.Context, client *clients.Client, values url.Values, profile string) (*PushResult, *AuthError) {
	if values.Get("request_uri") != "" {
		return nil, ErrInvalidRequest("request_uri cannot be pushed")
	}
	if cid := values.Get("client_id"); cid != "" && cid != client.ID {
		return nil, ErrInvalidRequest("client_id does not match the authenticated client")
	}

	// Early validation so broken requests fail at push time rather than
	// in front of the user. Requests wrapped in a request object are
	// unpacked and validated at the authorization endpoint instead.
	if values.Get("request") == "" {
		req := requestFromParams(flatten(values), values)
		req.ClientID = client.ID
		if verr := p.validator.Validate(req, client, profile); verr != nil {
			// Never redirect from the PAR endpoint.
			verr.Redirectable = false
			return nil, verr
		}
	}

	lifetime := p.cfg.PARLifetime()

	params := make(map[string]string)
	for k := range values {
		if v := values.Get(k); v != "" && !strings.HasPrefix(k, "client_secret") {
			params[k] = v
		}
	}
	now := time.Now()
	pushed := &store.PARRequest{
		RequestURI: p.router.NewRequestURI(),
		ClientID:   client.ID,
		Params:     params,
		CreatedAt:  now,
		ExpiresAt:  now.Add(lifetime),
	}
	if err := p.par.Put(ctx, pushed); err != nil {
		return nil, ErrServerError(err)
	}
	return &PushResult{
		RequestURI: pushed.RequestURI,
		ExpiresIn:  int(lifetime / time.Second),
	}, nil
}
