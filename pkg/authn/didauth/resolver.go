// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

package didauth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/mr-tron/base58"

	"github.com/authrim/authrim/pkg/networking"
)

// didDocument is the subset of a DID document we read.
type didDocument struct {
	ID                 string                `json:"id"`
	VerificationMethod []verificationMethod  `json:"verificationMethod"`
	Authentication     []json.RawMessage     `json:"authentication"`
}

type verificationMethod struct {
	ID                 string           `json:"id"`
	Type               string           `json:"type"`
	Controller         string           `json:"controller"`
	PublicKeyJWK       *jose.JSONWebKey `json:"publicKeyJwk"`
	PublicKeyMultibase string           `json:"publicKeyMultibase"`
}

// Resolver turns a DID into candidate verification keys. did:key resolves
// locally; did:web fetches the document over the guarded HTTP client.
type Resolver struct {
	client      *http.Client
	maxBodySize int64
}

// NewResolver builds a resolver over an SSRF-guarded client.
func NewResolver(client *http.Client, maxBodySize int64) *Resolver {
	return &Resolver{client: client, maxBodySize: maxBodySize}
}

// Resolve returns the public keys a proof from this DID may verify
// against.
func (r *Resolver) Resolve(ctx context.Context, did string) ([]crypto.PublicKey, error) {
	switch {
	case strings.HasPrefix(did, "did:key:"):
		key, err := resolveDIDKey(did)
		if err != nil {
			return nil, err
		}
		return []crypto.PublicKey{key}, nil
	case strings.HasPrefix(did, "did:web:"):
		return r.resolveDIDWeb(ctx, did)
	default:
		return nil, fmt.Errorf("unsupported DID method in %q", did)
	}
}

// resolveDIDWeb follows the did:web spec: the method-specific id is a
// percent-encoded host plus optional path segments separated by colons.
func (r *Resolver) resolveDIDWeb(ctx context.Context, did string) ([]crypto.PublicKey, error) {
	docURL, err := didWebURL(did)
	if err != nil {
		return nil, err
	}
	doc, err := networking.FetchJSON[didDocument](ctx, r.client, docURL,
		networking.WithMaxResponseSize(r.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", did, err)
	}
	if doc.ID != did {
		return nil, fmt.Errorf("document id %q does not match %q", doc.ID, did)
	}
	var keys []crypto.PublicKey
	for _, vm := range doc.VerificationMethod {
		if vm.PublicKeyJWK == nil || !vm.PublicKeyJWK.Valid() || !vm.PublicKeyJWK.IsPublic() {
			continue
		}
		keys = append(keys, vm.PublicKeyJWK.Key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no usable verification keys in %s", did)
	}
	return keys, nil
}

func didWebURL(did string) (string, error) {
	id := strings.TrimPrefix(did, "did:web:")
	if id == "" {
		return "", fmt.Errorf("empty did:web identifier")
	}
	parts := strings.Split(id, ":")
	host, err := url.PathUnescape(parts[0])
	if err != nil {
		return "", fmt.Errorf("malformed did:web host: %w", err)
	}
	if len(parts) == 1 {
		return "https://" + host + "/.well-known/did.json", nil
	}
	segs := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		seg, err := url.PathUnescape(p)
		if err != nil || seg == "" || seg == ".." {
			return "", fmt.Errorf("malformed did:web path segment %q", p)
		}
		segs = append(segs, seg)
	}
	return "https://" + host + "/" + strings.Join(segs, "/") + "/did.json", nil
}

// Multicodec prefixes for the key types we accept.
var (
	prefixEd25519 = []byte{0xed, 0x01}
	prefixP256    = []byte{0x80, 0x24}
	prefixP384    = []byte{0x81, 0x24}
)

// resolveDIDKey decodes a multibase-base58btc did:key into a public key.
func resolveDIDKey(did string) (crypto.PublicKey, error) {
	id := strings.TrimPrefix(did, "did:key:")
	if !strings.HasPrefix(id, "z") {
		return nil, fmt.Errorf("did:key must be base58btc multibase")
	}
	raw, err := base58.Decode(id[1:])
	if err != nil {
		return nil, fmt.Errorf("decoding did:key: %w", err)
	}
	switch {
	case hasPrefix(raw, prefixEd25519):
		body := raw[len(prefixEd25519):]
		if len(body) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("bad ed25519 key length %d", len(body))
		}
		return ed25519.PublicKey(body), nil
	case hasPrefix(raw, prefixP256):
		return unmarshalCompressed(elliptic.P256(), raw[len(prefixP256):])
	case hasPrefix(raw, prefixP384):
		return unmarshalCompressed(elliptic.P384(), raw[len(prefixP384):])
	default:
		return nil, fmt.Errorf("unsupported did:key codec")
	}
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) > len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func unmarshalCompressed(curve elliptic.Curve, data []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.UnmarshalCompressed(curve, data)
	if x == nil {
		return nil, fmt.Errorf("bad compressed point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
