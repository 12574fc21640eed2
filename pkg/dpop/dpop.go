// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package dpop validates RFC 9449 DPoP proofs and extracts the JWK
// thumbprint that sender-constrains issued tokens.
package dpop

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/authrim/authrim/pkg/josekit"
	"github.com/authrim/authrim/pkg/store"
)

// HeaderName is the HTTP header carrying the proof.
const HeaderName = "DPoP"

const proofType = "dpop+jwt"

// ErrInvalidProof is wrapped by every validation failure.
var ErrInvalidProof = errors.New("invalid DPoP proof")

// Proof is a validated DPoP proof.
type Proof struct {
	// JKT is the RFC 7638 thumbprint of the proof key, the value bound
	// into cnf.jkt.
	JKT string
	JTI string
	IAT time.Time
}

type proofClaims struct {
	JTI string `json:"jti"`
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	IAT int64  `json:"iat"`
	ATH string `json:"ath,omitempty"`
}

// Validator checks proofs against a replay store.
type Validator struct {
	replay store.ReplayStore
	maxAge time.Duration
}

// NewValidator builds a validator. maxAge bounds the acceptable iat skew
// in both directions.
func NewValidator(replay store.ReplayStore, maxAge time.Duration) *Validator {
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	return &Validator{replay: replay, maxAge: maxAge}
}

// Validate checks a proof for the given request. accessToken, when
// non-empty, requires a matching ath claim (resource-server style checks
// and the token endpoint's bound refresh path). The jti is burned in the
// replay store for twice the max age.
func (v *Validator) Validate(ctx context.Context, proof, method, requestURL, accessToken string) (*Proof, error) {
	jws, err := jose.ParseSigned(proof, josekit.ECDSAAlgorithms)
	if err != nil {
		// Retry with the full asymmetric list; ECDSA-only parse fails fast
		// for the common case.
		jws, err = jose.ParseSigned(proof, josekit.SigningAlgorithms)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", ErrInvalidProof)
	}
	hdr := jws.Signatures[0].Header

	if typ, _ := hdr.ExtraHeaders[jose.HeaderType].(string); typ != proofType {
		return nil, fmt.Errorf("%w: typ must be %s", ErrInvalidProof, proofType)
	}
	jwk := hdr.JSONWebKey
	if jwk == nil || !jwk.IsPublic() {
		return nil, fmt.Errorf("%w: missing embedded public key", ErrInvalidProof)
	}

	payload, err := jws.Verify(jwk)
	if err != nil {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidProof)
	}
	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalidProof)
	}

	if claims.JTI == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidProof)
	}
	if !strings.EqualFold(claims.HTM, method) {
		return nil, fmt.Errorf("%w: htm mismatch", ErrInvalidProof)
	}
	if canonicalHTU(claims.HTU) != canonicalHTU(requestURL) {
		return nil, fmt.Errorf("%w: htu mismatch", ErrInvalidProof)
	}

	iat := time.Unix(claims.IAT, 0)
	if d := time.Since(iat); d > v.maxAge || d < -v.maxAge {
		return nil, fmt.Errorf("%w: iat outside acceptance window", ErrInvalidProof)
	}

	if accessToken != "" {
		want := base64.RawURLEncoding.EncodeToString(func() []byte {
			h := sha256.Sum256([]byte(accessToken))
			return h[:]
		}())
		if !josekit.ConstantTimeEqual(claims.ATH, want) {
			return nil, fmt.Errorf("%w: ath mismatch", ErrInvalidProof)
		}
	}

	jkt, err := josekit.Thumbprint(jwk)
	if err != nil {
		return nil, fmt.Errorf("%w: thumbprint: %v", ErrInvalidProof, err)
	}

	// Replay is scoped per proof key: another key honestly reusing the
	// same jti value must not be blocked.
	if err := v.replay.MarkOnce(ctx, "dpop:"+jkt+":"+claims.JTI, 2*v.maxAge); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: jti replayed", ErrInvalidProof)
		}
		return nil, fmt.Errorf("recording jti: %w", err)
	}

	return &Proof{JKT: jkt, JTI: claims.JTI, IAT: iat}, nil
}

// canonicalHTU normalizes for comparison: lowercased scheme and host,
// default port stripped, query and fragment dropped.
func canonicalHTU(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" &&
		!(port == "443" && scheme == "https") && !(port == "80" && scheme == "http") {
		host = host + ":" + port
	}
	return scheme + "://" + host + u.EscapedPath()
}
