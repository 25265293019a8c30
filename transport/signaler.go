// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// signalingSeparator separates the offerer and target peer IDs in a
// signaling mailbox key. The pipe character is not permitted in peer
// IDs, so it provides an unambiguous boundary.
const signalingSeparator = "|"

// Signaler abstracts the mechanism for exchanging WebRTC session
// descriptions between peers. The production implementation posts to a
// rendezvous server; tests use in-process maps.
//
// The signaling model is vanilla ICE: all ICE candidates are gathered
// before the SDP is published, so connection establishment requires
// exactly one signaling round-trip (offer then answer).
type Signaler interface {
	// PublishOffer publishes a complete SDP offer directed at a
	// target peer. peerID is the offerer, target the intended
	// recipient. The implementation stores the SDP where the target
	// can find it, keyed "<peerID>|<target>".
	PublishOffer(ctx context.Context, peerID, target, sdp string) error

	// PublishAnswer publishes a complete SDP answer in response to a
	// previously received offer. The mailbox key matches the offer:
	// "<offerer>|<peerID>".
	PublishAnswer(ctx context.Context, offerer, peerID, sdp string) error

	// PollOffers returns all pending offers directed at this peer
	// that have not been returned by an earlier poll.
	PollOffers(ctx context.Context, peerID string) ([]SignalMessage, error)

	// PollAnswers returns all pending answers to offers originated by
	// this peer that have not been returned by an earlier poll.
	PollAnswers(ctx context.Context, peerID string) ([]SignalMessage, error)
}

// SignalMessage represents a signaling message (offer or answer).
type SignalMessage struct {
	// Peer is the peer ID of the other party. For received offers
	// this is the offerer; for received answers, the answerer.
	Peer string

	// SDP is the complete Session Description Protocol string with
	// all ICE candidates embedded.
	SDP string

	// Timestamp is the ISO 8601 creation time of the signal.
	Timestamp string
}
