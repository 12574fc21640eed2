// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/josekit"
	"github.com/authrim/authrim/pkg/keys"
	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/networking"
	"github.com/authrim/authrim/pkg/sharding"
	"github.com/authrim/authrim/pkg/store"
)

// AuthRequest is a normalized authorization request after merging the
// form, any pushed request, and any request object.
type AuthRequest struct {
	ClientID             string   `json:"client_id"`
	RedirectURI          string   `json:"redirect_uri"`
	ResponseType         string   `json:"response_type"`
	ResponseMode         string   `json:"response_mode,omitempty"`
	Scope                string   `json:"scope,omitempty"`
	State                string   `json:"state,omitempty"`
	Nonce                string   `json:"nonce,omitempty"`
	CodeChallenge        string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod  string   `json:"code_challenge_method,omitempty"`
	Prompt               string   `json:"prompt,omitempty"`
	MaxAge               *int     `json:"max_age,omitempty"`
	LoginHint            string   `json:"login_hint,omitempty"`
	IDTokenHint          string   `json:"id_token_hint,omitempty"`
	ACRValues            string   `json:"acr_values,omitempty"`
	Claims               string   `json:"claims,omitempty"`
	AuthorizationDetails string   `json:"authorization_details,omitempty"`
	Resources            []string `json:"resources,omitempty"`
	DPoPJKT              string   `json:"dpop_jkt,omitempty"`

	ViaPushedRequest bool `json:"via_pushed_request,omitempty"`
	ViaRequestObject bool `json:"via_request_object,omitempty"`
}

// Scopes splits the scope string.
func (r *AuthRequest) Scopes() []string {
	return strings.Fields(r.Scope)
}

// ResponseTypes splits the response_type set.
func (r *AuthRequest) ResponseTypes() []string {
	return strings.Fields(r.ResponseType)
}

// HasResponseType reports membership in the response_type set.
func (r *AuthRequest) HasResponseType(t string) bool {
	for _, rt := range r.ResponseTypes() {
		if rt == t {
			return true
		}
	}
	return false
}

// Parser normalizes authorization requests from their three sources, in
// order: form parameters, then a pushed request, then a request object.
type Parser struct {
	cfg        *config.Config
	par        store.PARStore
	registry   *clients.Registry
	signingKey *keys.Manager
	clientKeys *ClientKeys
	fetchHTTP  *http.Client
}

// NewParser builds a parser. fetchHTTP must already be SSRF-guarded and
// domain-allowlisted; the parser only adds size caps.
func NewParser(cfg *config.Config, par store.PARStore, registry *clients.Registry,
	signingKey *keys.Manager, clientKeys *ClientKeys, fetchHTTP *http.Client) *Parser {
	return &Parser{
		cfg:        cfg,
		par:        par,
		registry:   registry,
		signingKey: signingKey,
		clientKeys: clientKeys,
		fetchHTTP:  fetchHTTP,
	}
}

// Parse merges all request sources and resolves the client. It does not
// run the semantic validation pass; see Validate.
func (p *Parser) Parse(ctx context.Context, values url.Values) (*AuthRequest, *clients.Client, *AuthError) {
	params := flatten(values)

	if requestURI := params["request_uri"]; requestURI != "" {
		if strings.HasPrefix(requestURI, sharding.RequestURIPrefix) {
			merged, err := p.redeemPushedRequest(ctx, params, requestURI)
			if err != nil {
				return nil, nil, err
			}
			params = merged
		} else {
			fetched, err := p.fetchRequestObject(ctx, requestURI)
			if err != nil {
				return nil, nil, err
			}
			delete(params, "request_uri")
			params["request"] = fetched
		}
	}

	clientID := params["client_id"]
	if clientID == "" {
		return nil, nil, ErrInvalidRequest("client_id is required")
	}
	client, cerr := p.registry.Get(ctx, clientID)
	if cerr != nil {
		return nil, nil, ErrInvalidRequest("unknown client").WithCause(cerr)
	}

	viaRequestObject := false
	if requestJWT := params["request"]; requestJWT != "" {
		objParams, err := p.unpackRequestObject(ctx, client, requestJWT)
		if err != nil {
			return nil, nil, err
		}
		if outer := params["response_type"]; outer != "" && objParams["response_type"] != "" &&
			outer != objParams["response_type"] {
			return nil, nil, ErrInvalidRequest("response_type differs between request object and parameters")
		}
		if objParams["client_id"] != "" && objParams["client_id"] != clientID {
			return nil, nil, ErrInvalidRequest("client_id differs between request object and parameters")
		}
		if objParams["redirect_uri"] == "" {
			return nil, nil, ErrInvalidRequest("request object must carry redirect_uri")
		}
		if outer := params["redirect_uri"]; outer != "" && outer != objParams["redirect_uri"] {
			return nil, nil, ErrInvalidRequest("redirect_uri differs between request object and parameters")
		}
		for k, v := range objParams {
			params[k] = v
		}
		delete(params, "request")
		viaRequestObject = true
	} else if client.RequireSignedRequestObject {
		return nil, nil, ErrInvalidRequest("client requires a signed request object")
	}

	req := requestFromParams(params, values)
	req.ViaRequestObject = viaRequestObject
	return req, client, nil
}

// flatten keeps the first value per key; repeated parameters other than
// resource/audience are not meaningful here.
func flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// redeemPushedRequest consumes the PAR entry and substitutes its stored
// parameters wholesale. An outer client_id, when present, must match.
func (p *Parser) redeemPushedRequest(ctx context.Context, outer map[string]string, requestURI string) (map[string]string, *AuthError) {
	if _, err := sharding.ParseRequestURI(requestURI); err != nil {
		return nil, ErrInvalidRequest("malformed request_uri")
	}
	pushed, err := p.par.Consume(ctx, requestURI)
	if err != nil {
		return nil, ErrInvalidRequest("request_uri is unknown or expired").WithCause(err)
	}
	if outerClient := outer["client_id"]; outerClient != "" && pushed.ClientID != "" && outerClient != pushed.ClientID {
		return nil, ErrInvalidRequest("client_id does not match the pushed request")
	}
	merged := make(map[string]string, len(pushed.Params)+1)
	for k, v := range pushed.Params {
		merged[k] = v
	}
	merged["client_id"] = pushed.ClientID
	merged["__via_par"] = "1"
	return merged, nil
}

// fetchRequestObject retrieves an HTTPS request_uri document. Disabled by
// default; when enabled the fetch is SSRF-guarded, size-capped, and
// domain-allowlisted by the injected HTTP client.
func (p *Parser) fetchRequestObject(ctx context.Context, requestURI string) (string, *AuthError) {
	if !p.cfg.Features.RequestURIByReference {
		return "", ErrRequestURINotSupported("request_uri by reference is disabled")
	}
	if !strings.HasPrefix(requestURI, "https://") {
		return "", ErrRequestURINotSupported("request_uri must be https")
	}
	body, err := networking.FetchBody(ctx, p.fetchHTTP, requestURI,
		networking.WithMaxResponseSize(p.cfg.Fetch.MaxBodySize))
	if err != nil {
		logger.Warnw("request_uri fetch failed", "error", err)
		return "", ErrInvalidRequest("request_uri could not be retrieved").WithCause(err)
	}
	return strings.TrimSpace(string(body)), nil
}

// unpackRequestObject decrypts (if JWE) and verifies a request object,
// enforcing iss = client_id and aud = issuer.
func (p *Parser) unpackRequestObject(ctx context.Context, client *clients.Client, token string) (map[string]string, *AuthError) {
	if josekit.IsJWE(token) {
		plain, err := josekit.DecryptJWE(token, p.signingKey.Active().Key)
		if err != nil {
			return nil, ErrInvalidRequest("request object decryption failed").WithCause(err)
		}
		token = strings.TrimSpace(string(plain))
	}

	// Decode the raw header rather than parsing as a JWS: alg=none must
	// be dispatchable here, and go-jose rejects it at parse time.
	hdr, err := josekit.DecodeHeader(token)
	if err != nil {
		return nil, ErrInvalidRequest("malformed request object").WithCause(err)
	}

	var payload []byte
	if hdr.Algorithm == "none" {
		if p.cfg.Features.Production || !p.cfg.Features.AllowUnsignedRequestObjects {
			return nil, ErrInvalidRequest("unsigned request objects are not accepted")
		}
		payload, err = unsignedPayload(token)
		if err != nil {
			return nil, ErrInvalidRequest("malformed request object").WithCause(err)
		}
	} else {
		keySet, kerr := p.clientKeys.KeySetFor(ctx, client)
		if kerr != nil {
			return nil, ErrInvalidRequest("client keys unavailable").WithCause(kerr)
		}
		var claims map[string]any
		if err := josekit.VerifyWithKeySet(token, keySet, josekit.SigningAlgorithms, &claims); err != nil {
			return nil, ErrInvalidRequest("request object signature verification failed").WithCause(err)
		}
		payload, _ = json.Marshal(claims)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidRequest("malformed request object payload").WithCause(err)
	}

	if iss, _ := claims["iss"].(string); iss != client.ID {
		return nil, ErrInvalidRequest("request object iss must equal client_id")
	}
	if !audienceContains(claims["aud"], p.cfg.IssuerURL) {
		return nil, ErrInvalidRequest("request object aud must be the issuer")
	}

	out := make(map[string]string, len(claims))
	for k, v := range claims {
		switch k {
		case "iss", "aud", "exp", "iat", "nbf", "jti":
			continue
		}
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case float64:
			out[k] = strconv.FormatInt(int64(tv), 10)
		case bool:
			out[k] = strconv.FormatBool(tv)
		default:
			raw, err := json.Marshal(v)
			if err == nil {
				out[k] = string(raw)
			}
		}
	}
	return out, nil
}

func unsignedPayload(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("not a compact JWT")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

func audienceContains(aud any, issuer string) bool {
	switch v := aud.(type) {
	case string:
		return v == issuer
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok && s == issuer {
				return true
			}
		}
	}
	return false
}

func requestFromParams(params map[string]string, original url.Values) *AuthRequest {
	req := &AuthRequest{
		ClientID:             params["client_id"],
		RedirectURI:          params["redirect_uri"],
		ResponseType:         params["response_type"],
		ResponseMode:         params["response_mode"],
		Scope:                params["scope"],
		State:                params["state"],
		Nonce:                params["nonce"],
		CodeChallenge:        params["code_challenge"],
		CodeChallengeMethod:  params["code_challenge_method"],
		Prompt:               params["prompt"],
		LoginHint:            params["login_hint"],
		IDTokenHint:          params["id_token_hint"],
		ACRValues:            params["acr_values"],
		Claims:               params["claims"],
		AuthorizationDetails: params["authorization_details"],
		DPoPJKT:              params["dpop_jkt"],
		ViaPushedRequest:     params["__via_par"] == "1",
	}
	if raw := params["max_age"]; raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			req.MaxAge = &n
		} else {
			// Keep the malformed marker so validation can reject it.
			neg := -2
			req.MaxAge = &neg
		}
	}
	// resource and audience repeat; gather every instance from the
	// original form plus any single value that came via PAR or JAR.
	seen := make(map[string]bool)
	for _, key := range []string{"resource", "audience"} {
		for _, v := range original[key] {
			if v != "" && !seen[v] {
				seen[v] = true
				req.Resources = append(req.Resources, v)
			}
		}
		if v := params[key]; v != "" && !seen[v] {
			seen[v] = true
			req.Resources = append(req.Resources, v)
		}
	}
	return req
}
