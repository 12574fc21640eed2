// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/pkg/clients"
	"github.com/authrim/authrim/pkg/config"
	"github.com/authrim/authrim/pkg/josekit"
	"github.com/authrim/authrim/pkg/keys"
)

// DeliveryKind says how the response reaches the user agent.
type DeliveryKind int

// Delivery kinds.
const (
	DeliverRedirect DeliveryKind = iota
	DeliverHTML
)

// Delivery is a ready-to-send authorization response.
type Delivery struct {
	Kind     DeliveryKind
	Location string
	HTML     []byte
	// CSPNonce is set for form_post deliveries; the handler installs the
	// matching Content-Security-Policy header.
	CSPNonce string
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><title>Submitting...</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{range $k, $v := .Params}}<input type="hidden" name="{{$k}}" value="{{$v}}"/>
{{end}}<noscript><button type="submit">Continue</button></noscript>
</form>
<script nonce="{{.Nonce}}">document.forms[0].submit();</script>
</body>
</html>
`))

// Responder turns response parameters into deliveries in the effective
// response mode, wrapping them in JARM envelopes for the .jwt modes.
type Responder struct {
	cfg        *config.Config
	keys       *keys.Manager
	clientKeys *ClientKeys
}

// NewResponder builds a responder.
func NewResponder(cfg *config.Config, km *keys.Manager, clientKeys *ClientKeys) *Responder {
	return &Responder{cfg: cfg, keys: km, clientKeys: clientKeys}
}

// Success delivers response parameters to the validated redirect URI.
// The iss parameter (RFC 9207) is always added.
func (r *Responder) Success(ctx context.Context, client *clients.Client, req *AuthRequest, params url.Values) (*Delivery, error) {
	params.Set("iss", r.cfg.IssuerURL)
	if req.State != "" {
		params.Set("state", req.State)
	}
	return r.deliver(ctx, client, req.RedirectURI, req.EffectiveResponseMode(), req.ResponseType, params)
}

// Failure delivers a redirectable error. Callers must have checked
// e.Redirectable.
func (r *Responder) Failure(ctx context.Context, client *clients.Client, e *AuthError) (*Delivery, error) {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	params.Set("iss", r.cfg.IssuerURL)
	return r.deliver(ctx, client, e.RedirectURI, e.ResponseMode, "", params)
}

func (r *Responder) deliver(ctx context.Context, client *clients.Client, redirectURI, mode, responseType string, params url.Values) (*Delivery, error) {
	if mode == "" {
		mode = "query"
	}
	if strings.HasSuffix(mode, ".jwt") || mode == "jwt" {
		envelope, err := r.jarmEnvelope(ctx, client, params)
		if err != nil {
			return nil, err
		}
		params = url.Values{"response": []string{envelope}}
		mode = jarmCarrierMode(mode, responseType)
	}

	switch mode {
	case "query":
		return &Delivery{Kind: DeliverRedirect, Location: appendQuery(redirectURI, params)}, nil
	case "fragment":
		return &Delivery{Kind: DeliverRedirect, Location: redirectURI + "#" + params.Encode()}, nil
	case "form_post":
		return r.formPost(redirectURI, params)
	default:
		return nil, fmt.Errorf("unreachable response mode %q", mode)
	}
}

// jarmCarrierMode resolves the underlying transport for a .jwt mode: bare
// "jwt" follows the response type's default.
func jarmCarrierMode(mode, responseType string) string {
	if carrier, ok := strings.CutSuffix(mode, ".jwt"); ok {
		return carrier
	}
	if responseType == "" || responseType == "code" || responseType == "none" {
		return "query"
	}
	return "fragment"
}

// jarmEnvelope signs the response parameters as a JWT (iss, aud, exp plus
// every parameter), then encrypts it when the client registered JARM
// encryption.
func (r *Responder) jarmEnvelope(ctx context.Context, client *clients.Client, params url.Values) (string, error) {
	claims := map[string]any{
		"iss": r.cfg.IssuerURL,
		"aud": client.ID,
		"exp": time.Now().Add(r.cfg.Lifetimes.JARMResponse).Unix(),
	}
	for k := range params {
		claims[k] = params.Get(k)
	}
	mat := r.keys.Active()
	signed, err := josekit.SignClaims(claims, mat.Key, mat.KID, jose.RS256, "JWT")
	if err != nil {
		return "", fmt.Errorf("signing response envelope: %w", err)
	}
	if client.AuthorizationEncryptedResponseAlg == "" {
		return signed, nil
	}

	keySet, err := r.clientKeys.KeySetFor(ctx, client)
	if err != nil {
		return "", fmt.Errorf("resolving client encryption keys: %w", err)
	}
	encKey := encryptionKey(keySet)
	if encKey == nil {
		return "", fmt.Errorf("client registered JARM encryption but has no usable key")
	}
	enc := jose.ContentEncryption(client.AuthorizationEncryptedResponseEnc)
	if enc == "" {
		enc = jose.A128CBC_HS256
	}
	return josekit.EncryptToKey([]byte(signed), encKey,
		jose.KeyAlgorithm(client.AuthorizationEncryptedResponseAlg), enc)
}

func encryptionKey(set *jose.JSONWebKeySet) *jose.JSONWebKey {
	for i := range set.Keys {
		if set.Keys[i].Use == "enc" {
			return &set.Keys[i]
		}
	}
	for i := range set.Keys {
		if set.Keys[i].Use == "" {
			return &set.Keys[i]
		}
	}
	return nil
}

func (r *Responder) formPost(redirectURI string, params url.Values) (*Delivery, error) {
	nonce, err := cspNonce()
	if err != nil {
		return nil, err
	}
	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}
	var buf bytes.Buffer
	if err := formPostTemplate.Execute(&buf, map[string]any{
		"Action": redirectURI,
		"Params": flat,
		"Nonce":  nonce,
	}); err != nil {
		return nil, fmt.Errorf("rendering form_post page: %w", err)
	}
	return &Delivery{Kind: DeliverHTML, HTML: buf.Bytes(), CSPNonce: nonce}, nil
}

func cspNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating CSP nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func appendQuery(redirectURI string, params url.Values) string {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	return redirectURI + sep + params.Encode()
}
