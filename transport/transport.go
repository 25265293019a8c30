// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownPeer is returned by Connect when the target peer is not
// reachable: it is not registered with the hub, not signed in to the
// relay, or signaling cannot locate it.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// ErrNotLinked is returned by Send when no live link to the target
// peer exists. Callers that need a link must Connect first; a link
// that dropped must be re-established.
var ErrNotLinked = errors.New("transport: peer not linked")

// Message is one inbound frame delivered to a subscription.
type Message struct {
	// Sender is the peer ID of the originating network.
	Sender string
	// Channel is the logical channel the frame was addressed to.
	Channel string
	// Payload is the frame body. The slice is owned by the receiver.
	Payload []byte
}

// Network is peer-to-peer messaging between collaborating sites. A
// Network instance represents one peer; it carries frames on named
// channels to peers it holds links with.
//
// Delivery contract, binding for every implementation: frames from one
// sender arrive on a given (receiver, channel) in the order they were
// sent; Broadcast reaches exactly the peers currently linked; the
// departure of a linked peer is delivered exactly once per departure
// to every live subscription of the surviving side; frames addressed
// to a channel with no subscription are dropped.
//
// Implementations must be safe for concurrent use.
type Network interface {
	// PeerID returns the stable identifier this network signs its
	// frames with.
	PeerID() string

	// Connect establishes a link to the named peer. Connecting to an
	// already-linked peer is a no-op. Unknown or unreachable peers
	// fail with an error wrapping ErrUnknownPeer.
	Connect(ctx context.Context, peer string) error

	// Send delivers one frame to a linked peer. Sending to a peer
	// with no live link fails with an error wrapping ErrNotLinked.
	Send(peer, channel string, payload []byte) error

	// Broadcast delivers one frame to every currently linked peer.
	// A network with no links broadcasts to nobody and returns nil.
	Broadcast(channel string, payload []byte) error

	// Subscribe registers interest in a channel. Frames addressed to
	// the channel are delivered to the returned subscription until it
	// is cancelled or the network closes.
	Subscribe(channel string) (*Subscription, error)

	// Close tears down every link and cancels every subscription.
	// Linked peers observe a departure. Close is idempotent.
	Close() error
}

// Subscription is a registered interest in one channel of a Network.
// Messages and departure events are delivered on separate channels;
// Done is closed when the subscription stops (cancelled or network
// closed), after which no further values arrive.
type Subscription struct {
	channel    string
	messages   chan Message
	departures chan string
	done       chan struct{}
	cancelOnce sync.Once
	detach     func(*Subscription)
}

// Messages returns the inbound frame channel. It is never closed;
// select against Done to detect shutdown.
func (s *Subscription) Messages() <-chan Message {
	return s.messages
}

// Departures returns the peer-departure channel. Every departure of a
// linked peer is delivered here exactly once, ordered after any frames
// that peer sent before departing.
func (s *Subscription) Departures() <-chan string {
	return s.departures
}

// Done returns a channel closed when the subscription stops.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Channel returns the channel name the subscription was opened for.
func (s *Subscription) Channel() string {
	return s.channel
}

// Cancel stops the subscription. Idempotent.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		if s.detach != nil {
			s.detach(s)
		}
	})
}

// Subscription channel capacities. Generous enough that a consumer
// keeping pace never blocks a dispatch goroutine; a stalled consumer
// exerts backpressure instead of losing frames.
const (
	subscriptionMessageBuffer   = 256
	subscriptionDepartureBuffer = 16
)

// subscriptionTable is the fan-out registry shared by every Network
// implementation. One dispatch path per network feeds it: deliver
// routes a frame to the subscriptions of its channel, departed fans a
// peer departure out to every live subscription.
type subscriptionTable struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{subs: make(map[string][]*Subscription)}
}

// add creates and registers a subscription for a channel.
func (t *subscriptionTable) add(channel string) *Subscription {
	sub := &Subscription{
		channel:    channel,
		messages:   make(chan Message, subscriptionMessageBuffer),
		departures: make(chan string, subscriptionDepartureBuffer),
		done:       make(chan struct{}),
		detach:     t.remove,
	}
	t.mu.Lock()
	t.subs[channel] = append(t.subs[channel], sub)
	t.mu.Unlock()
	return sub
}

// remove unregisters a subscription. Called by Subscription.Cancel.
func (t *subscriptionTable) remove(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.subs[sub.channel]
	for i, candidate := range current {
		if candidate == sub {
			t.subs[sub.channel] = append(current[:i], current[i+1:]...)
			break
		}
	}
	if len(t.subs[sub.channel]) == 0 {
		delete(t.subs, sub.channel)
	}
}

// deliver routes a frame to every subscription of its channel. A frame
// for a channel with no subscription is dropped. Sends block when a
// subscription's buffer is full (backpressure) and give up when the
// subscription cancels mid-delivery.
func (t *subscriptionTable) deliver(msg Message) {
	t.mu.Lock()
	targets := append([]*Subscription(nil), t.subs[msg.Channel]...)
	t.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.messages <- msg:
		case <-sub.done:
		}
	}
}

// departed fans a peer departure out to every live subscription,
// regardless of channel.
func (t *subscriptionTable) departed(peer string) {
	t.mu.Lock()
	var targets []*Subscription
	for _, channelSubs := range t.subs {
		targets = append(targets, channelSubs...)
	}
	t.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.departures <- peer:
		case <-sub.done:
		}
	}
}

// cancelAll stops every subscription. Called by Network.Close.
func (t *subscriptionTable) cancelAll() {
	t.mu.Lock()
	var targets []*Subscription
	for _, channelSubs := range t.subs {
		targets = append(targets, channelSubs...)
	}
	t.subs = make(map[string][]*Subscription)
	t.mu.Unlock()

	for _, sub := range targets {
		sub.Cancel()
	}
}
