// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves bearer tokens to collaborator identities.
//
// The [Provider] interface is the only thing the portal layer depends
// on: sign-in hands it a token, it answers with an [Identity] or an
// error. Two implementations ship with Atrium. [StaticProvider] reads
// from an in-memory table and backs the relay server's configured user
// list as well as tests. [HTTPProvider] asks a rendezvous server's
// /v1/identity endpoint, authenticating with the token itself.
//
// Both providers report unknown tokens as *[APIError] with code
// [ErrCodeUnknownToken], so callers branch identically whichever
// provider they hold. APIError is also the error shape shared by all
// other rendezvous endpoints (signaling, directory, TURN); their
// clients in other packages decode into the same type.
//
// Tokens never appear in logs or error messages. [TokenFingerprint]
// produces a short keyed-hash fingerprint that identifies a token
// across log lines without revealing it.
package identity
