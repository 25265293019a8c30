// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler for tests. Offers and
// answers are exchanged through an internal map, bypassing the
// rendezvous server entirely. Two WebRTCNetwork instances sharing the
// same MemorySignaler can establish PeerConnections without any
// network signaling.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[string]SignalMessage // key: "offerer|target"
	answers  map[string]SignalMessage // key: "offerer|target"
	lastSeen map[string]time.Time     // per-consumer poll state
}

// NewMemorySignaler creates a new in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, peerID, target, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := peerID + signalingSeparator + target
	s.offers[key] = SignalMessage{
		Peer:      peerID,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, peerID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := offerer + signalingSeparator + peerID
	s.answers[key] = SignalMessage{
		Peer:      peerID,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, peerID string) ([]SignalMessage, error) {
	return s.pollSignals(peerID, s.offers, "offers", matchOfferKey)
}

func (s *MemorySignaler) PollAnswers(_ context.Context, peerID string) ([]SignalMessage, error) {
	return s.pollSignals(peerID, s.answers, "answers", matchAnswerKey)
}

// signalKeyMatcher extracts the other party from a mailbox key when
// the key concerns the polling peer.
type signalKeyMatcher func(key, peerID string) (other string, ok bool)

// matchOfferKey matches keys "<offerer>|<peerID>" and returns the
// offerer.
func matchOfferKey(key, peerID string) (string, bool) {
	suffix := signalingSeparator + peerID
	if !strings.HasSuffix(key, suffix) {
		return "", false
	}
	offerer := strings.TrimSuffix(key, suffix)
	return offerer, offerer != ""
}

// matchAnswerKey matches keys "<peerID>|<target>" and returns the
// target.
func matchAnswerKey(key, peerID string) (string, bool) {
	prefix := peerID + signalingSeparator
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	target := strings.TrimPrefix(key, prefix)
	return target, target != ""
}

// pollSignals iterates a signal store and returns messages whose keys
// match the given matcher, filtering out already-seen timestamps.
func (s *MemorySignaler) pollSignals(peerID string, store map[string]SignalMessage, storeLabel string, match signalKeyMatcher) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage

	for key, msg := range store {
		if _, ok := match(key, peerID); !ok {
			continue
		}

		timestamp, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
		if err != nil {
			continue
		}

		seenKey := storeLabel + ":" + peerID + ":" + key
		if last, ok := s.lastSeen[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		s.lastSeen[seenKey] = timestamp

		messages = append(messages, msg)
	}

	return messages, nil
}
