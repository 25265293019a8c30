// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atrium-collab/atrium/identity"
	"github.com/atrium-collab/atrium/lib/testutil"
	"github.com/atrium-collab/atrium/transport"
)

// newTestManager creates a manager on a fresh network with a static
// provider that resolves "token-<peerID>" to an identity named after
// the peer. The manager is not signed in.
func newTestManager(t *testing.T, hub *transport.MemoryHub, peerID string, directory Directory) (*BindingManager, *transport.MemoryNetwork) {
	t.Helper()
	network := hub.NewNetwork(peerID)
	t.Cleanup(func() { network.Close() })
	provider := identity.NewStaticProvider()
	provider.Add("token-"+peerID, identity.Identity{Login: peerID})
	manager, err := NewBindingManager(BindingManagerConfig{
		Network:   network,
		Provider:  provider,
		Directory: directory,
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewBindingManager() error: %v", err)
	}
	t.Cleanup(manager.Dispose)
	return manager, network
}

func signIn(t *testing.T, manager *BindingManager, token string) identity.Identity {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resolved, err := manager.SignIn(ctx, token)
	if err != nil {
		t.Fatalf("SignIn() error: %v", err)
	}
	return resolved
}

func TestNewBindingManager_Validation(t *testing.T) {
	hub := transport.NewMemoryHub()
	network := hub.NewNetwork("peer")
	defer network.Close()
	provider := identity.NewStaticProvider()
	directory := NewMemoryDirectory()

	tests := []struct {
		name   string
		config BindingManagerConfig
	}{
		{"missing network", BindingManagerConfig{Provider: provider, Directory: directory}},
		{"missing provider", BindingManagerConfig{Network: network, Directory: directory}},
		{"missing directory", BindingManagerConfig{Network: network, Provider: provider}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := NewBindingManager(test.config); err == nil {
				t.Fatal("NewBindingManager() succeeded, want error")
			}
		})
	}
}

// TestBindingManager_SignIn verifies token resolution, identity
// caching, and the unknown-token failure shape.
func TestBindingManager_SignIn(t *testing.T) {
	hub := transport.NewMemoryHub()
	manager, _ := newTestManager(t, hub, "alice", NewMemoryDirectory())

	if _, ok := manager.Identity(); ok {
		t.Error("Identity() reports signed in before SignIn")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := manager.SignIn(ctx, "bogus-token"); !identity.IsAPIError(err, identity.ErrCodeUnknownToken) {
		t.Fatalf("SignIn() with unknown token error = %v, want unknown-token", err)
	}
	if _, ok := manager.Identity(); ok {
		t.Error("Identity() reports signed in after failed SignIn")
	}

	resolved := signIn(t, manager, "token-alice")
	if resolved.Login != "alice" {
		t.Errorf("SignIn() login = %q, want alice", resolved.Login)
	}
	cached, ok := manager.Identity()
	if !ok || cached.Login != "alice" {
		t.Errorf("Identity() = %v, %t, want cached alice", cached, ok)
	}
}

// TestBindingManager_RequiresSignIn verifies that hosting and joining
// are rejected before sign-in.
func TestBindingManager_RequiresSignIn(t *testing.T) {
	hub := transport.NewMemoryHub()
	manager, _ := newTestManager(t, hub, "alice", NewMemoryDirectory())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := manager.CreateHostPortal(ctx); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("CreateHostPortal() error = %v, want ErrNotSignedIn", err)
	}
	if _, err := manager.JoinPortal(ctx, "some-portal"); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("JoinPortal() error = %v, want ErrNotSignedIn", err)
	}
}

// TestBindingManager_CreateHostPortalIdempotent verifies that repeated
// creates return the same live portal and that the portal is
// registered in the directory.
func TestBindingManager_CreateHostPortalIdempotent(t *testing.T) {
	hub := transport.NewMemoryHub()
	directory := NewMemoryDirectory()
	manager, _ := newTestManager(t, hub, "alice", directory)
	signIn(t, manager, "token-alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, err := manager.CreateHostPortal(ctx)
	if err != nil {
		t.Fatalf("CreateHostPortal() error: %v", err)
	}
	if !first.IsHost() || first.State() != StateActive {
		t.Errorf("host portal state = %v, IsHost = %t", first.State(), first.IsHost())
	}

	second, err := manager.CreateHostPortal(ctx)
	if err != nil {
		t.Fatalf("second CreateHostPortal() error: %v", err)
	}
	if second != first {
		t.Error("second CreateHostPortal() returned a different portal")
	}

	hostPeerID, err := directory.Lookup(ctx, first.ID())
	if err != nil {
		t.Fatalf("Lookup() error: %v", err)
	}
	if hostPeerID != "alice" {
		t.Errorf("directory host peer = %q, want alice", hostPeerID)
	}
}

// TestBindingManager_CreateHostAfterPortalDisposed verifies that a
// disposed host binding is pruned and replaced by a fresh portal.
func TestBindingManager_CreateHostAfterPortalDisposed(t *testing.T) {
	hub := transport.NewMemoryHub()
	manager, _ := newTestManager(t, hub, "alice", NewMemoryDirectory())
	signIn(t, manager, "token-alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, err := manager.CreateHostPortal(ctx)
	if err != nil {
		t.Fatalf("CreateHostPortal() error: %v", err)
	}
	first.Dispose()
	if manager.HostPortal() != nil {
		t.Error("HostPortal() != nil after the portal disposed")
	}

	second, err := manager.CreateHostPortal(ctx)
	if err != nil {
		t.Fatalf("CreateHostPortal() after dispose error: %v", err)
	}
	if second == first {
		t.Error("CreateHostPortal() returned the disposed portal")
	}
	if second.ID() == first.ID() {
		t.Error("fresh host portal reused the old portal ID")
	}
}

// TestBindingManager_JoinPortalIdempotent verifies that repeated joins
// of the same portal share one binding.
func TestBindingManager_JoinPortalIdempotent(t *testing.T) {
	hub := transport.NewMemoryHub()
	directory := NewMemoryDirectory()
	hostManager, _ := newTestManager(t, hub, "host", directory)
	signIn(t, hostManager, "token-host")
	guestManager, _ := newTestManager(t, hub, "guest", directory)
	signIn(t, guestManager, "token-guest")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hosted, err := hostManager.CreateHostPortal(ctx)
	if err != nil {
		t.Fatalf("CreateHostPortal() error: %v", err)
	}

	first, err := guestManager.JoinPortal(ctx, hosted.ID())
	if err != nil {
		t.Fatalf("JoinPortal() error: %v", err)
	}
	if first.State() != StateActive {
		t.Errorf("joined portal state = %v, want %v", first.State(), StateActive)
	}
	second, err := guestManager.JoinPortal(ctx, hosted.ID())
	if err != nil {
		t.Fatalf("second JoinPortal() error: %v", err)
	}
	if second != first {
		t.Error("second JoinPortal() returned a different portal")
	}
}

// TestBindingManager_JoinUnknownPortal verifies the not-found path
// through the directory.
func TestBindingManager_JoinUnknownPortal(t *testing.T) {
	hub := transport.NewMemoryHub()
	manager, _ := newTestManager(t, hub, "guest", NewMemoryDirectory())
	signIn(t, manager, "token-guest")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// A minted ID is guaranteed absent from the fresh directory.
	unknownID := testutil.UniqueID("portal")
	if _, err := manager.JoinPortal(ctx, unknownID); !errors.Is(err, ErrPortalNotFound) {
		t.Fatalf("JoinPortal() error = %v, want ErrPortalNotFound", err)
	}
}

// TestBindingManager_RejoinAfterDispose verifies that a disposed guest
// binding is pruned and the portal can be joined again fresh, coming
// back as a new site.
func TestBindingManager_RejoinAfterDispose(t *testing.T) {
	hub := transport.NewMemoryHub()
	directory := NewMemoryDirectory()
	hostManager, _ := newTestManager(t, hub, "host", directory)
	signIn(t, hostManager, "token-host")
	guestManager, _ := newTestManager(t, hub, "guest", directory)
	signIn(t, guestManager, "token-guest")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hosted, err := hostManager.CreateHostPortal(ctx)
	if err != nil {
		t.Fatalf("CreateHostPortal() error: %v", err)
	}

	first, err := guestManager.JoinPortal(ctx, hosted.ID())
	if err != nil {
		t.Fatalf("JoinPortal() error: %v", err)
	}
	firstSite := first.SiteID()
	first.Dispose()

	second, err := guestManager.JoinPortal(ctx, hosted.ID())
	if err != nil {
		t.Fatalf("rejoin error: %v", err)
	}
	if second == first {
		t.Error("rejoin returned the disposed portal")
	}
	if second.SiteID() == firstSite {
		t.Errorf("rejoined site ID = %d, want a fresh ID", second.SiteID())
	}
}

// TestBindingManager_ConcurrentJoinsShareHandshake verifies that
// concurrent joins for one portal perform a single handshake and all
// return the same binding.
func TestBindingManager_ConcurrentJoinsShareHandshake(t *testing.T) {
	hub := transport.NewMemoryHub()
	directory := NewMemoryDirectory()
	hostManager, _ := newTestManager(t, hub, "host", directory)
	signIn(t, hostManager, "token-host")
	guestManager, _ := newTestManager(t, hub, "guest", directory)
	signIn(t, guestManager, "token-guest")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hosted, err := hostManager.CreateHostPortal(ctx)
	if err != nil {
		t.Fatalf("CreateHostPortal() error: %v", err)
	}
	hostDelegate := newRecordingDelegate()
	hosted.SetDelegate(hostDelegate)

	const joiners = 4
	var waitGroup sync.WaitGroup
	results := make(chan *Portal, joiners)
	failures := make(chan error, joiners)
	for range joiners {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			joined, err := guestManager.JoinPortal(ctx, hosted.ID())
			if err != nil {
				failures <- err
				return
			}
			results <- joined
		}()
	}
	waitGroup.Wait()
	close(results)
	close(failures)

	for err := range failures {
		t.Fatalf("JoinPortal() error: %v", err)
	}
	var shared *Portal
	for joined := range results {
		if shared == nil {
			shared = joined
			continue
		}
		if joined != shared {
			t.Error("concurrent joins returned different portals")
		}
	}
	if shared == nil {
		t.Fatal("no join produced a portal")
	}

	testutil.RequireReceive(t, hostDelegate.joins, 5*time.Second, "join event")
	testutil.RequireNoReceive(t, hostDelegate.joins, 300*time.Millisecond, "second join event for one guest")
}

// TestBindingManager_DisposeDisposesPortals verifies that disposing
// the manager disposes every owned portal and leaves the network open
// for its owner.
func TestBindingManager_DisposeDisposesPortals(t *testing.T) {
	hub := transport.NewMemoryHub()
	directory := NewMemoryDirectory()
	managerA, _ := newTestManager(t, hub, "alice", directory)
	signIn(t, managerA, "token-alice")
	managerB, bobNetwork := newTestManager(t, hub, "bob", directory)
	signIn(t, managerB, "token-bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hostedByA, err := managerA.CreateHostPortal(ctx)
	if err != nil {
		t.Fatalf("CreateHostPortal() error: %v", err)
	}
	aliceDelegate := newRecordingDelegate()
	hostedByA.SetDelegate(aliceDelegate)

	hostedByB, err := managerB.CreateHostPortal(ctx)
	if err != nil {
		t.Fatalf("CreateHostPortal() error: %v", err)
	}
	guestOfA, err := managerB.JoinPortal(ctx, hostedByA.ID())
	if err != nil {
		t.Fatalf("JoinPortal() error: %v", err)
	}
	testutil.RequireReceive(t, aliceDelegate.joins, 5*time.Second, "bob join event")

	managerB.Dispose()

	if !hostedByB.Disposed() {
		t.Error("bob's hosted portal not disposed")
	}
	if !guestOfA.Disposed() {
		t.Error("bob's guest portal not disposed")
	}
	testutil.RequireReceive(t, aliceDelegate.leaves, 5*time.Second, "bob leave event")

	if _, err := managerB.CreateHostPortal(ctx); !errors.Is(err, ErrManagerDisposed) {
		t.Errorf("CreateHostPortal() after Dispose error = %v, want ErrManagerDisposed", err)
	}
	if _, err := managerB.JoinPortal(ctx, hostedByA.ID()); !errors.Is(err, ErrManagerDisposed) {
		t.Errorf("JoinPortal() after Dispose error = %v, want ErrManagerDisposed", err)
	}
	if _, err := managerB.SignIn(ctx, "token-bob"); !errors.Is(err, ErrManagerDisposed) {
		t.Errorf("SignIn() after Dispose error = %v, want ErrManagerDisposed", err)
	}

	// The manager never owns the network; it is still usable.
	sub, err := bobNetwork.Subscribe("unrelated")
	if err != nil {
		t.Fatalf("Subscribe() on manager-owned network error: %v", err)
	}
	sub.Cancel()
}
