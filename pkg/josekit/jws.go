// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package josekit

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// SigningAlgorithms is the set of JWS algorithms this server accepts when
// verifying third-party artefacts (request objects, DPoP proofs, DID
// proofs). alg=none is structurally impossible here.
var SigningAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// ECDSAAlgorithms is the restricted set permitted for DID proofs.
var ECDSAAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512, jose.EdDSA,
}

// SignClaims signs a claim set as a compact JWS with the given key, kid and
// algorithm, setting typ to the provided value ("JWT" unless overridden by
// a spec such as logout+jwt).
func SignClaims(claims any, key crypto.Signer, kid string, alg jose.SignatureAlgorithm, typ string) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	opts := (&jose.SignerOptions{}).WithHeader("kid", kid).WithType(jose.ContentType(typ))
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to construct signer: %w", err)
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign claims: %w", err)
	}
	return jws.CompactSerialize()
}

// VerifyWithKey verifies a compact JWS against a single public key,
// restricting the acceptable algorithms, and unmarshals the payload.
func VerifyWithKey(token string, key any, algs []jose.SignatureAlgorithm, out any) error {
	jws, err := jose.ParseSigned(token, algs)
	if err != nil {
		return fmt.Errorf("failed to parse JWS: %w", err)
	}
	payload, err := jws.Verify(key)
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// VerifyWithKeySet verifies a compact JWS using kid lookup in a JWKS.
func VerifyWithKeySet(token string, keys *jose.JSONWebKeySet, algs []jose.SignatureAlgorithm, out any) error {
	jws, err := jose.ParseSigned(token, algs)
	if err != nil {
		return fmt.Errorf("failed to parse JWS: %w", err)
	}
	if len(jws.Signatures) == 0 {
		return fmt.Errorf("JWS carries no signature")
	}

	kid := jws.Signatures[0].Header.KeyID
	candidates := keys.Keys
	if kid != "" {
		candidates = keys.Key(kid)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no key matches kid %q", kid)
	}

	var lastErr error
	for _, k := range candidates {
		payload, err := jws.Verify(k.Key)
		if err == nil {
			if out == nil {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		lastErr = err
	}
	return fmt.Errorf("signature verification failed: %w", lastErr)
}

// PeekHeader decodes the protected header of a compact JWS without
// verifying it. Callers must verify before trusting anything else.
func PeekHeader(token string) (*jose.Header, error) {
	jws, err := jose.ParseSigned(token, SigningAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWS: %w", err)
	}
	if len(jws.Signatures) == 0 {
		return nil, fmt.Errorf("JWS carries no signature")
	}
	h := jws.Signatures[0].Header
	return &h, nil
}

// RawHeader is the unverified protected header of a compact token.
type RawHeader struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Type      string `json:"typ"`
}

// DecodeHeader base64url-decodes the first segment of a compact token
// without any algorithm screening, so callers can dispatch on alg
// (including "none") before deciding how to verify. Nothing in the
// result is trustworthy until verification.
func DecodeHeader(token string) (*RawHeader, error) {
	seg, _, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("not a compact token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode protected header: %w", err)
	}
	var h RawHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("failed to parse protected header: %w", err)
	}
	if h.Algorithm == "" {
		return nil, fmt.Errorf("protected header carries no alg")
	}
	return &h, nil
}

// IsJWE reports whether a compact token is a five-segment JWE rather than a
// three-segment JWS.
func IsJWE(token string) bool {
	return strings.Count(token, ".") == 4
}

// KeyEncryptionAlgorithms lists the JWE key algorithms accepted for
// encrypted request objects addressed to this server.
var KeyEncryptionAlgorithms = []jose.KeyAlgorithm{
	jose.RSA_OAEP, jose.RSA_OAEP_256, jose.ECDH_ES, jose.ECDH_ES_A128KW, jose.ECDH_ES_A256KW,
}

// ContentEncryptionAlgorithms lists the accepted JWE content encryptions.
var ContentEncryptionAlgorithms = []jose.ContentEncryption{
	jose.A128CBC_HS256, jose.A256CBC_HS512, jose.A128GCM, jose.A256GCM,
}

// DecryptJWE decrypts a compact JWE with the server private key and returns
// the plaintext (typically a nested JWS).
func DecryptJWE(token string, key crypto.Signer) ([]byte, error) {
	jwe, err := jose.ParseEncrypted(token, KeyEncryptionAlgorithms, ContentEncryptionAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWE: %w", err)
	}
	plaintext, err := jwe.Decrypt(key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt JWE: %w", err)
	}
	return plaintext, nil
}

// EncryptToKey encrypts a payload (typically a signed JARM response) to a
// client public key as a compact JWE.
func EncryptToKey(payload []byte, key *jose.JSONWebKey, alg jose.KeyAlgorithm, enc jose.ContentEncryption) (string, error) {
	encrypter, err := jose.NewEncrypter(enc, jose.Recipient{Algorithm: alg, Key: key}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to construct encrypter: %w", err)
	}
	jwe, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return jwe.CompactSerialize()
}
