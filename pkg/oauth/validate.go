// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
)

// supportedResponseTypes holds the canonical (sorted) forms.
var supportedResponseTypes = map[string]bool{
	"code":                true,
	"id_token":            true,
	"token":               true,
	"code id_token":       true,
	"code token":          true,
	"id_token token":      true,
	"code id_token token": true,
	"none":                true,
}

var supportedResponseModes = map[string]bool{
	"query": true, "fragment": true, "form_post": true,
	"query.jwt": true, "fragment.jwt": true, "form_post.jwt": true, "jwt": true,
}

var validPromptTokens = map[string]bool{
	"none": true, "login": true, "consent": true, "select_account": true,
}

var codeChallengePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43,128}$`)

// authorizationDetailsSchema is the structural contract for RFC 9396
// payloads; type allowlisting happens after the structural pass.
var authorizationDetailsSchema = gojsonschema.NewStringLoader(`{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["type"],
		"properties": {
			"type":       {"type": "string", "minLength": 1},
			"locations":  {"type": "array", "items": {"type": "string"}},
			"actions":    {"type": "array", "items": {"type": "string"}},
			"datatypes":  {"type": "array", "items": {"type": "string"}},
			"identifier": {"type": "string"},
			"privileges": {"type": "array", "items": {"type": "string"}}
		}
	}
}`)

// Validator runs the semantic validation pass over a parsed request.
type Validator struct {
	cfg *config.Config
}

// NewValidator builds a validator.
func NewValidator(cfg *config.Config) *Validator {
	return &Validator{cfg: cfg}
}

// canonicalResponseType sorts the response_type tokens so "id_token code"
// and "code id_token" validate identically.
func canonicalResponseType(rt string) string {
	fields := strings.Fields(rt)
	order := map[string]int{"code": 0, "id_token": 1, "token": 2}
	slices.SortFunc(fields, func(a, b string) int {
		return order[a] - order[b]
	})
	return strings.Join(fields, " ")
}

// Validate checks the merged request against the client registration and
// the tenant profile. Errors raised after the redirect URI has been
// verified are marked redirectable.
func (v *Validator) Validate(req *AuthRequest, client *clients.Client, profile string) *AuthError {
	// Redirect URI first: until it is known-good, nothing may redirect.
	if req.RedirectURI == "" {
		return ErrInvalidRequest("redirect_uri is required")
	}
	u, err := url.Parse(req.RedirectURI)
	if err != nil || !u.IsAbs() || u.Fragment != "" {
		return ErrInvalidRequest("redirect_uri must be an absolute URI without a fragment")
	}
	if u.Scheme != "https" && !v.cfg.Features.AllowInsecureRedirects && !clients.IsLoopbackHost(u.Hostname()) {
		return ErrInvalidRequest("redirect_uri must use https")
	}
	if !client.MatchRedirectURI(req.RedirectURI) {
		return ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	redirect := func(e *AuthError) *AuthError {
		return e.WithRedirect(req.RedirectURI, req.State, req.EffectiveResponseMode())
	}

	rt := canonicalResponseType(req.ResponseType)
	if rt == "" {
		return redirect(ErrInvalidRequest("response_type is required"))
	}
	if !supportedResponseTypes[rt] {
		return redirect(ErrUnsupportedResponseType("unsupported response_type"))
	}
	req.ResponseType = rt
	if profile == config.ProfileAIEphemeral && rt != "code" {
		return redirect(ErrUnsupportedResponseType("tenant profile permits only response_type=code"))
	}
	if len(client.ResponseTypes) > 0 && !client.GetResponseTypes().Has(rt) {
		return redirect(ErrUnauthorizedClient("client is not registered for this response_type"))
	}

	if req.Scope == "" {
		return redirect(ErrInvalidScope("scope is required"))
	}
	if allowed := client.GetScopes(); len(allowed) > 0 {
		for _, s := range req.Scopes() {
			if !allowed.Has(s) {
				return redirect(ErrInvalidScope("scope exceeds the client grant"))
			}
		}
	}

	if req.State == "" && (v.cfg.Features.RequireState || rt == "none") {
		return redirect(ErrInvalidRequest("state is required"))
	}

	if req.HasResponseType("id_token") && req.Nonce == "" {
		return redirect(ErrInvalidRequest("nonce is required when response_type includes id_token"))
	}

	if req.ResponseMode != "" {
		if !supportedResponseModes[req.ResponseMode] {
			return redirect(ErrInvalidRequest("unsupported response_mode"))
		}
		if req.ResponseMode == "fragment" && rt == "code" {
			return redirect(ErrInvalidRequest("response_mode fragment is not usable with response_type code"))
		}
		if req.ResponseMode == "query" && (req.HasResponseType("id_token") || req.HasResponseType("token")) {
			return redirect(ErrInvalidRequest("response_mode query cannot carry tokens"))
		}
	}

	if err := v.validatePKCE(req, rt); err != nil {
		return redirect(err)
	}

	if req.Claims != "" {
		if err := validateClaimsParameter(req.Claims); err != nil {
			return redirect(err)
		}
	}

	if req.AuthorizationDetails != "" {
		if err := v.validateAuthorizationDetails(req); err != nil {
			return redirect(err)
		}
	}

	if req.MaxAge != nil && *req.MaxAge < 0 {
		return redirect(ErrInvalidRequest("max_age must be a non-negative integer"))
	}

	if req.Prompt != "" {
		tokens := strings.Fields(req.Prompt)
		for _, tok := range tokens {
			if !validPromptTokens[tok] {
				return redirect(ErrInvalidRequest("invalid prompt value"))
			}
		}
		if slices.Contains(tokens, "none") && len(tokens) > 1 {
			return redirect(ErrInvalidRequest("prompt=none cannot be combined"))
		}
	}

	if err := v.validateResources(req); err != nil {
		return redirect(err)
	}

	return nil
}

func (v *Validator) validatePKCE(req *AuthRequest, rt string) *AuthError {
	if req.CodeChallenge == "" {
		if v.cfg.Features.FAPI && rt != "none" {
			return ErrInvalidRequest("PKCE is required")
		}
		if req.CodeChallengeMethod != "" {
			return ErrInvalidRequest("code_challenge_method without code_challenge")
		}
		return nil
	}
	if req.CodeChallengeMethod != "S256" {
		return ErrInvalidRequest("code_challenge_method must be S256")
	}
	if !codeChallengePattern.MatchString(req.CodeChallenge) {
		return ErrInvalidRequest("code_challenge is malformed")
	}
	return nil
}

// validateClaimsParameter accepts a JSON object holding only userinfo
// and/or id_token members, each itself an object.
func validateClaimsParameter(raw string) *AuthError {
	if !gjson.Valid(raw) {
		return ErrInvalidRequest("claims is not valid JSON")
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return ErrInvalidRequest("claims must be a JSON object")
	}
	bad := false
	parsed.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "userinfo", "id_token":
			if !value.IsObject() {
				bad = true
				return false
			}
		default:
			bad = true
			return false
		}
		return true
	})
	if bad {
		return ErrInvalidRequest("claims may contain only userinfo and id_token objects")
	}
	return nil
}

// validateAuthorizationDetails runs the RFC 9396 structural schema, then
// the per-tenant type allowlist; the sanitized encoding replaces the
// input.
func (v *Validator) validateAuthorizationDetails(req *AuthRequest) *AuthError {
	if !v.cfg.Features.RAR {
		return ErrInvalidAuthorizationDetails("authorization_details is not enabled")
	}
	result, err := gojsonschema.Validate(authorizationDetailsSchema,
		gojsonschema.NewStringLoader(req.AuthorizationDetails))
	if err != nil {
		return ErrInvalidAuthorizationDetails("authorization_details is not valid JSON")
	}
	if !result.Valid() {
		return ErrInvalidAuthorizationDetails("authorization_details failed schema validation")
	}

	var details []map[string]any
	if err := json.Unmarshal([]byte(req.AuthorizationDetails), &details); err != nil {
		return ErrInvalidAuthorizationDetails("authorization_details is not valid JSON")
	}
	for _, d := range details {
		typ, _ := d["type"].(string)
		if !slices.Contains(v.cfg.Features.RARAllowedTypes, typ) {
			return ErrInvalidAuthorizationDetails("authorization_details type is not permitted")
		}
	}
	sanitized, err := json.Marshal(details)
	if err != nil {
		return ErrInvalidAuthorizationDetails("authorization_details could not be normalized")
	}
	req.AuthorizationDetails = string(sanitized)
	return nil
}

func (v *Validator) validateResources(req *AuthRequest) *AuthError {
	maxAud := v.cfg.Features.MaxAudiences
	if maxAud <= 0 {
		maxAud = 10
	}
	if len(req.Resources) > maxAud {
		return ErrInvalidRequest("too many resource/audience values")
	}
	for _, r := range req.Resources {
		u, err := url.Parse(r)
		if err != nil || !u.IsAbs() || u.Fragment != "" {
			return ErrInvalidRequest("resource values must be absolute URIs without fragments")
		}
	}
	return nil
}

// EffectiveResponseMode resolves the delivery mode: explicit value wins,
// otherwise code-only goes by query and anything carrying tokens by
// fragment. Error redirects must use this too, so a hybrid request
// without an explicit response_mode gets its error in the fragment.
func (r *AuthRequest) EffectiveResponseMode() string {
	if r.ResponseMode != "" {
		return r.ResponseMode
	}
	if r.HasResponseType("id_token") || r.HasResponseType("token") {
		return "fragment"
	}
	return "query"
}
