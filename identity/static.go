// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"net/http"
	"sync"
)

// StaticProvider resolves tokens from an in-memory table. It backs the
// relay server's configured user list and offline tests. The zero
// value is not usable; construct with NewStaticProvider.
type StaticProvider struct {
	mu         sync.Mutex
	identities map[string]Identity
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider creates an empty provider. Populate it with Add.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{identities: make(map[string]Identity)}
}

// Add registers an identity under a token, replacing any previous
// entry for that token.
func (p *StaticProvider) Add(token string, id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities[token] = id
}

// Resolve looks the token up in the table. Unknown tokens fail with
// *APIError code "unknown-token", matching the remote provider, so
// callers never need to care which kind of provider they hold.
func (p *StaticProvider) Resolve(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	p.mu.Lock()
	id, ok := p.identities[token]
	p.mu.Unlock()

	if !ok {
		return Identity{}, &APIError{
			Code:       ErrCodeUnknownToken,
			Message:    "token " + TokenFingerprint(token) + " is not registered",
			StatusCode: http.StatusNotFound,
		}
	}
	return id, nil
}
