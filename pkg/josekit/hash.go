// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package josekit

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// LeftHalfHash computes the OIDC token hash claims (at_hash, c_hash,
// ds_hash): base64url of the left half of the digest, where the digest
// function is chosen by the signing algorithm's bit size (SHA-256 for
// *S256, SHA-384 for *S384, SHA-512 for *S512 and EdDSA).
func LeftHalfHash(alg jose.SignatureAlgorithm, token string) (string, error) {
	var h hash.Hash
	switch {
	case strings.HasSuffix(string(alg), "256"):
		h = sha256.New()
	case strings.HasSuffix(string(alg), "384"):
		h = sha512.New384()
	case strings.HasSuffix(string(alg), "512"), alg == jose.EdDSA:
		h = sha512.New()
	default:
		return "", fmt.Errorf("no hash defined for algorithm %s", alg)
	}

	h.Write([]byte(token))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// SHA256URL returns base64url(SHA-256(input)) without padding. Used for the
// DPoP ath claim and the session_state digest.
func SHA256URL(input string) string {
	sum := sha256.Sum256([]byte(input))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
