// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/atrium-collab/atrium/identity"
	"github.com/atrium-collab/atrium/transport"
)

// BindingManagerConfig holds configuration for creating a
// BindingManager.
type BindingManagerConfig struct {
	// Network carries all portal traffic. The manager does not own
	// the network and never closes it.
	Network transport.Network
	// Provider resolves sign-in tokens to identities.
	Provider identity.Provider
	// Directory publishes hosted portals and resolves joined ones.
	Directory Directory
	// Logger receives manager and portal logs. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// BindingManager owns a client's portals: at most one hosted portal
// and any number of guest portals, keyed by portal ID. Creating or
// joining is idempotent while the corresponding portal is live;
// disposed portals are pruned so the same ID can be joined again with
// a fresh portal.
//
// All methods are safe for concurrent use.
type BindingManager struct {
	network   transport.Network
	provider  identity.Provider
	directory Directory
	logger    *slog.Logger

	mu            sync.Mutex
	disposed      bool
	localIdentity identity.Identity
	hostBinding   *Portal
	guestBindings map[string]*Portal
	joining       map[string]chan struct{}
}

// NewBindingManager creates a manager. No network traffic happens
// until a portal is created or joined.
func NewBindingManager(config BindingManagerConfig) (*BindingManager, error) {
	if config.Network == nil {
		return nil, fmt.Errorf("portal: Network is required")
	}
	if config.Provider == nil {
		return nil, fmt.Errorf("portal: Provider is required")
	}
	if config.Directory == nil {
		return nil, fmt.Errorf("portal: Directory is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BindingManager{
		network:       config.Network,
		provider:      config.Provider,
		directory:     config.Directory,
		logger:        logger,
		guestBindings: make(map[string]*Portal),
		joining:       make(map[string]chan struct{}),
	}, nil
}

// SignIn resolves the token and caches the resulting identity for all
// future portals. Signing in again replaces the cached identity;
// portals already live keep the identity they joined with.
func (m *BindingManager) SignIn(ctx context.Context, token string) (identity.Identity, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return identity.Identity{}, ErrManagerDisposed
	}
	m.mu.Unlock()

	resolved, err := m.provider.Resolve(ctx, token)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("signing in: %w", err)
	}

	m.mu.Lock()
	m.localIdentity = resolved
	m.mu.Unlock()
	m.logger.Info("signed in", "login", resolved.Login)
	return resolved, nil
}

// Identity returns the cached signed-in identity. The second return
// is false before a successful SignIn.
func (m *BindingManager) Identity() (identity.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localIdentity, !m.localIdentity.IsZero()
}

// CreateHostPortal creates and registers a hosted portal, or returns
// the existing one while it is live.
func (m *BindingManager) CreateHostPortal(ctx context.Context) (*Portal, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrManagerDisposed
	}
	if m.localIdentity.IsZero() {
		m.mu.Unlock()
		return nil, ErrNotSignedIn
	}
	if m.hostBinding != nil && !m.hostBinding.Disposed() {
		existing := m.hostBinding
		m.mu.Unlock()
		return existing, nil
	}
	m.hostBinding = nil
	localIdentity := m.localIdentity
	m.mu.Unlock()

	portalID := uuid.NewString()
	hosted, err := NewHostPortal(HostPortalConfig{
		ID:       portalID,
		Network:  m.network,
		Identity: localIdentity,
		Logger:   m.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating host portal: %w", err)
	}
	if err := m.directory.Register(ctx, portalID, m.network.PeerID()); err != nil {
		hosted.Dispose()
		return nil, fmt.Errorf("registering portal %s: %w", portalID, err)
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		hosted.Dispose()
		return nil, ErrManagerDisposed
	}
	if m.hostBinding != nil && !m.hostBinding.Disposed() {
		// A concurrent create won the race; keep its portal.
		existing := m.hostBinding
		m.mu.Unlock()
		hosted.Dispose()
		return existing, nil
	}
	m.hostBinding = hosted
	m.mu.Unlock()
	return hosted, nil
}

// HostPortal returns the live hosted portal, or nil when none exists.
func (m *BindingManager) HostPortal() *Portal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hostBinding != nil && !m.hostBinding.Disposed() {
		return m.hostBinding
	}
	return nil
}

// JoinPortal joins the portal with the given ID, or returns the
// existing guest binding while it is live. Concurrent joins for the
// same ID share one handshake; the portal is created and joined once.
func (m *BindingManager) JoinPortal(ctx context.Context, portalID string) (*Portal, error) {
	if portalID == "" {
		return nil, fmt.Errorf("portal: portal ID is required")
	}
	for {
		m.mu.Lock()
		if m.disposed {
			m.mu.Unlock()
			return nil, ErrManagerDisposed
		}
		if m.localIdentity.IsZero() {
			m.mu.Unlock()
			return nil, ErrNotSignedIn
		}
		if binding, ok := m.guestBindings[portalID]; ok {
			if !binding.Disposed() {
				m.mu.Unlock()
				return binding, nil
			}
			delete(m.guestBindings, portalID)
		}
		if inFlight, ok := m.joining[portalID]; ok {
			m.mu.Unlock()
			select {
			case <-inFlight:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		done := make(chan struct{})
		m.joining[portalID] = done
		localIdentity := m.localIdentity
		m.mu.Unlock()

		joined, err := m.joinFresh(ctx, portalID, localIdentity)

		m.mu.Lock()
		delete(m.joining, portalID)
		if err == nil {
			if m.disposed {
				m.mu.Unlock()
				close(done)
				joined.Dispose()
				return nil, ErrManagerDisposed
			}
			m.guestBindings[portalID] = joined
		}
		m.mu.Unlock()
		close(done)
		return joined, err
	}
}

func (m *BindingManager) joinFresh(ctx context.Context, portalID string, localIdentity identity.Identity) (*Portal, error) {
	hostPeerID, err := m.directory.Lookup(ctx, portalID)
	if err != nil {
		return nil, fmt.Errorf("resolving portal %s: %w", portalID, err)
	}
	guest, err := NewGuestPortal(GuestPortalConfig{
		ID:         portalID,
		HostPeerID: hostPeerID,
		Network:    m.network,
		Identity:   localIdentity,
		Logger:     m.logger,
	})
	if err != nil {
		return nil, err
	}
	// Join disposes the portal on failure; the error carries the
	// cause.
	if err := guest.Join(ctx); err != nil {
		return nil, err
	}
	return guest, nil
}

// Dispose disposes every owned portal. The underlying Network is left
// open for its owner to close. Dispose is idempotent.
func (m *BindingManager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	portals := make([]*Portal, 0, len(m.guestBindings)+1)
	if m.hostBinding != nil {
		portals = append(portals, m.hostBinding)
	}
	for _, binding := range m.guestBindings {
		portals = append(portals, binding)
	}
	m.hostBinding = nil
	m.guestBindings = nil
	m.mu.Unlock()

	for _, binding := range portals {
		binding.Dispose()
	}
	m.logger.Info("binding manager disposed")
}
