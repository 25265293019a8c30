// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Compile-time interface check.
var _ Network = (*MemoryNetwork)(nil)

// memoryInboxBuffer is the per-network mailbox capacity. Senders block
// when a receiver's mailbox is full, which preserves ordering under
// load instead of dropping frames.
const memoryInboxBuffer = 1024

// MemoryHub connects MemoryNetwork instances in-process. Portal tests
// run entire multi-site sessions over a single hub without touching a
// socket. The hub also injects faults: forced connect failures and
// abrupt peer death.
type MemoryHub struct {
	mu              sync.Mutex
	networks        map[string]*MemoryNetwork
	connectFailures map[string]error
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		networks:        make(map[string]*MemoryNetwork),
		connectFailures: make(map[string]error),
	}
}

// NewNetwork creates and registers a network under the given peer ID.
// Panics if the peer ID is already registered; duplicate IDs in a test
// are a bug in the test.
func (h *MemoryHub) NewNetwork(peerID string) *MemoryNetwork {
	network := &MemoryNetwork{
		hub:    h,
		peerID: peerID,
		links:  make(map[string]*MemoryNetwork),
		subs:   newSubscriptionTable(),
		inbox:  make(chan memoryFrame, memoryInboxBuffer),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	if _, taken := h.networks[peerID]; taken {
		h.mu.Unlock()
		panic("transport: peer ID already registered with hub: " + peerID)
	}
	h.networks[peerID] = network
	h.mu.Unlock()

	go network.dispatch()
	return network
}

// FailConnects makes every subsequent Connect to the given peer fail
// with err. Passing nil clears the injection.
func (h *MemoryHub) FailConnects(peer string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.connectFailures, peer)
		return
	}
	h.connectFailures[peer] = err
}

// Kill abruptly closes the named peer's network. Linked peers observe
// an ordinary transport departure; the difference from a graceful
// shutdown is that the killed peer's protocol layer sends no goodbye
// first. Unknown peers are ignored.
func (h *MemoryHub) Kill(peer string) {
	h.mu.Lock()
	network := h.networks[peer]
	h.mu.Unlock()

	if network != nil {
		network.Close()
	}
}

// lookup resolves a peer ID, applying any injected connect failure.
func (h *MemoryHub) lookup(peer string) (*MemoryNetwork, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.connectFailures[peer]; err != nil {
		return nil, err
	}
	network, ok := h.networks[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return network, nil
}

// unregister removes a closed network from the hub.
func (h *MemoryHub) unregister(peerID string) {
	h.mu.Lock()
	delete(h.networks, peerID)
	h.mu.Unlock()
}

// memoryFrame is one mailbox entry: either an inbound frame or a
// departure marker. Routing both through the same mailbox is what
// orders a peer's departure after the frames it sent.
type memoryFrame struct {
	sender    string
	channel   string
	payload   []byte
	departure bool
}

// MemoryNetwork is the in-process Network implementation. Each network
// owns a FIFO mailbox drained by a single dispatch goroutine, so every
// receiver observes a total order over its inbound traffic that
// refines the per-sender send order.
type MemoryNetwork struct {
	hub    *MemoryHub
	peerID string

	mu    sync.Mutex
	links map[string]*MemoryNetwork

	subs  *subscriptionTable
	inbox chan memoryFrame

	closed    chan struct{}
	closeOnce sync.Once

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
}

// PeerID returns the ID the network was registered under.
func (n *MemoryNetwork) PeerID() string {
	return n.peerID
}

// Connect links this network with the named peer. Both sides become
// linked symmetrically; either can then Send to the other.
func (n *MemoryNetwork) Connect(ctx context.Context, peer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-n.closed:
		return net.ErrClosed
	default:
	}
	if peer == n.peerID {
		return fmt.Errorf("transport: cannot connect to self (%s)", peer)
	}

	target, err := n.hub.lookup(peer)
	if err != nil {
		return err
	}

	n.addLink(target)
	target.addLink(n)

	// The target may have closed between lookup and linking. Unlink
	// quietly and fail the connect; no departure fires for a link
	// that was never reported established.
	select {
	case <-target.closed:
		n.mu.Lock()
		delete(n.links, peer)
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	default:
	}
	return nil
}

func (n *MemoryNetwork) addLink(target *MemoryNetwork) {
	n.mu.Lock()
	n.links[target.peerID] = target
	n.mu.Unlock()
}

// Send queues one frame into the linked peer's mailbox. The payload is
// copied, so the caller may reuse its buffer.
func (n *MemoryNetwork) Send(peer, channel string, payload []byte) error {
	select {
	case <-n.closed:
		return net.ErrClosed
	default:
	}

	n.mu.Lock()
	target, linked := n.links[peer]
	n.mu.Unlock()
	if !linked {
		return fmt.Errorf("%w: %s", ErrNotLinked, peer)
	}

	n.framesSent.Add(1)
	target.enqueue(memoryFrame{
		sender:  n.peerID,
		channel: channel,
		payload: bytes.Clone(payload),
	})
	return nil
}

// Broadcast queues one frame into every linked peer's mailbox.
func (n *MemoryNetwork) Broadcast(channel string, payload []byte) error {
	select {
	case <-n.closed:
		return net.ErrClosed
	default:
	}

	n.mu.Lock()
	targets := make([]*MemoryNetwork, 0, len(n.links))
	for _, target := range n.links {
		targets = append(targets, target)
	}
	n.mu.Unlock()

	for _, target := range targets {
		n.framesSent.Add(1)
		target.enqueue(memoryFrame{
			sender:  n.peerID,
			channel: channel,
			payload: bytes.Clone(payload),
		})
	}
	return nil
}

// Subscribe registers a subscription for a channel.
func (n *MemoryNetwork) Subscribe(channel string) (*Subscription, error) {
	sub := n.subs.add(channel)
	select {
	case <-n.closed:
		sub.Cancel()
		return nil, net.ErrClosed
	default:
	}
	return sub, nil
}

// Close drops every link (linked peers observe a departure), cancels
// every subscription, and removes the network from the hub.
func (n *MemoryNetwork) Close() error {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.hub.unregister(n.peerID)

		n.mu.Lock()
		targets := make([]*MemoryNetwork, 0, len(n.links))
		for _, target := range n.links {
			targets = append(targets, target)
		}
		n.links = make(map[string]*MemoryNetwork)
		n.mu.Unlock()

		for _, target := range targets {
			target.dropLink(n.peerID)
		}
		n.subs.cancelAll()
	})
	return nil
}

// FramesSent reports the number of frames this network has handed to
// peers (one per recipient for broadcasts). Tests use it to assert
// that suppressed operations put nothing on the wire.
func (n *MemoryNetwork) FramesSent() uint64 {
	return n.framesSent.Load()
}

// FramesReceived reports the number of frames dispatched to this
// network's subscriptions, including frames dropped for having no
// subscriber.
func (n *MemoryNetwork) FramesReceived() uint64 {
	return n.framesReceived.Load()
}

// dropLink removes a departed peer and queues the departure marker
// behind whatever frames that peer already delivered.
func (n *MemoryNetwork) dropLink(peer string) {
	n.mu.Lock()
	_, linked := n.links[peer]
	delete(n.links, peer)
	n.mu.Unlock()

	if linked {
		n.enqueue(memoryFrame{sender: peer, departure: true})
	}
}

// enqueue places a frame in the mailbox, giving up if the network
// closes while blocked on a full mailbox.
func (n *MemoryNetwork) enqueue(frame memoryFrame) {
	select {
	case n.inbox <- frame:
	case <-n.closed:
	}
}

// dispatch drains the mailbox into the subscription table. Runs as the
// network's single dispatch goroutine from creation until Close.
func (n *MemoryNetwork) dispatch() {
	for {
		select {
		case frame := <-n.inbox:
			if frame.departure {
				n.subs.departed(frame.sender)
				continue
			}
			n.framesReceived.Add(1)
			n.subs.deliver(Message{
				Sender:  frame.sender,
				Channel: frame.channel,
				Payload: frame.payload,
			})
		case <-n.closed:
			return
		}
	}
}
