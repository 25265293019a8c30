// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Identity describes a signed-in collaborator. Login is the stable
// account name that appears in portal membership; Name and AvatarURL
// are presentation hints that may be empty. Identities travel on the
// wire (join handshake, membership announcements) and in rendezvous
// API responses, so the field tags cover both encodings.
type Identity struct {
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// IsZero reports whether the identity is unset. A resolved identity
// always has a non-empty Login.
func (id Identity) IsZero() bool {
	return id.Login == ""
}

// String returns the login. Identities are logged by login only.
func (id Identity) String() string {
	return id.Login
}

// Provider resolves an OAuth-style bearer token to the identity it
// belongs to. Implementations must be safe for concurrent use.
//
// Resolve returns *APIError with code [ErrCodeUnknownToken] when the
// token is not recognized, regardless of whether the lookup is local
// or remote, so callers branch the same way against every provider.
type Provider interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// tokenDomainKey is the BLAKE3 keyed-hash domain for token
// fingerprints. The byte values are the ASCII encoding of the domain
// name, zero-padded to 32 bytes. Using readable ASCII makes the key
// inspectable in hex dumps without sacrificing any cryptographic
// property (BLAKE3 keyed mode treats the key as an opaque 32-byte
// value).
var tokenDomainKey = [32]byte{
	'a', 't', 'r', 'i', 'u', 'm', '.', 'i', 'd', 'e', 'n', 't', 'i', 't', 'y', '.',
	't', 'o', 'k', 'e', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// TokenFingerprint returns a short stable fingerprint of a bearer
// token for log and error messages. The fingerprint is the first 8
// bytes of the keyed BLAKE3 hash, hex encoded; it identifies a token
// across log lines without revealing any of its bytes.
func TokenFingerprint(token string) string {
	hasher, err := blake3.NewKeyed(tokenDomainKey[:])
	if err != nil {
		panic("identity: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(token))
	digest := hasher.Sum(nil)
	return hex.EncodeToString(digest[:8])
}
