// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// portalDirectory is the server-side portal registry behind
// /v1/portals. An entry lives until its host disconnects from the
// relay hub or until it sits idle past the TTL, whichever comes
// first. Registration and successful lookups refresh the deadline,
// and the sweeper treats a host currently connected to the hub as
// activity, so a live relayed session never expires out from under
// its guests.
type portalDirectory struct {
	clock clock.Clock
	ttl   time.Duration

	// connected reports whether a peer currently holds a hub
	// connection. Nil when no hub is wired (directory-only tests).
	connected func(peerID string) bool

	mu      sync.Mutex
	entries map[string]*portalEntry
}

type portalEntry struct {
	hostPeerID string
	expiresAt  time.Time
}

func newPortalDirectory(clk clock.Clock, ttl time.Duration) *portalDirectory {
	return &portalDirectory{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]*portalEntry),
	}
}

// register publishes a portal, replacing any previous entry for the
// same ID.
func (d *portalDirectory) register(portalID, hostPeerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[portalID] = &portalEntry{
		hostPeerID: hostPeerID,
		expiresAt:  d.clock.Now().Add(d.ttl),
	}
}

// lookup resolves a portal ID to its host peer ID. Expired entries
// are as good as absent even before the sweeper runs.
func (d *portalDirectory) lookup(portalID string) (string, bool) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[portalID]
	if !ok {
		return "", false
	}
	if now.After(entry.expiresAt) && !d.hostConnected(entry.hostPeerID) {
		delete(d.entries, portalID)
		return "", false
	}
	entry.expiresAt = now.Add(d.ttl)
	return entry.hostPeerID, true
}

// dropHost removes every portal hosted by the given peer. Returns the
// IDs removed. Called by the hub when a peer's connection ends.
func (d *portalDirectory) dropHost(hostPeerID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var dropped []string
	for portalID, entry := range d.entries {
		if entry.hostPeerID == hostPeerID {
			delete(d.entries, portalID)
			dropped = append(dropped, portalID)
		}
	}
	return dropped
}

// sweep removes idle entries. Entries whose host holds a hub
// connection are refreshed instead.
func (d *portalDirectory) sweep() {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for portalID, entry := range d.entries {
		if d.hostConnected(entry.hostPeerID) {
			entry.expiresAt = now.Add(d.ttl)
			continue
		}
		if now.After(entry.expiresAt) {
			delete(d.entries, portalID)
		}
	}
}

func (d *portalDirectory) hostConnected(hostPeerID string) bool {
	return d.connected != nil && d.connected(hostPeerID)
}
