// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/atrium-collab/atrium/transport"
)

// signalRetention is how long a published offer or answer stays
// pollable. Signaling round-trips complete in seconds; anything older
// belongs to an abandoned attempt and is swept.
const signalRetention = 5 * time.Minute

// signalStore holds the SDP mailboxes behind /v1/signal. One mailbox
// per offerer/target pair per direction, latest record wins: a
// republished offer (ICE restart, retry) replaces the stale one
// rather than queueing behind it.
//
// The server stamps every record's timestamp on receipt, strictly
// increasing per mailbox, so transport.HTTPSignaler's newest-seen
// deduplication never confuses a replacement with a record it already
// consumed.
type signalStore struct {
	clock clock.Clock

	mu      sync.Mutex
	offers  map[string]transport.SignalRecord
	answers map[string]transport.SignalRecord
}

func newSignalStore(clk clock.Clock) *signalStore {
	return &signalStore{
		clock:   clk,
		offers:  make(map[string]transport.SignalRecord),
		answers: make(map[string]transport.SignalRecord),
	}
}

// mailboxKey identifies one directed mailbox.
func mailboxKey(offerer, target string) string {
	return offerer + "|" + target
}

// publishOffer stores an offer, stamping its timestamp.
func (s *signalStore) publishOffer(record transport.SignalRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&record, s.offers)
	s.offers[mailboxKey(record.Offerer, record.Target)] = record
}

// publishAnswer stores an answer, stamping its timestamp.
func (s *signalStore) publishAnswer(record transport.SignalRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(&record, s.answers)
	s.answers[mailboxKey(record.Offerer, record.Target)] = record
}

// stamp sets the record's timestamp to now, nudged forward a
// nanosecond if the mailbox already holds one at least as new. Called
// with the lock held.
func (s *signalStore) stamp(record *transport.SignalRecord, mailboxes map[string]transport.SignalRecord) {
	now := s.clock.Now().UTC()
	if previous, ok := mailboxes[mailboxKey(record.Offerer, record.Target)]; ok {
		if previousTime, err := time.Parse(time.RFC3339Nano, previous.Timestamp); err == nil && !now.After(previousTime) {
			now = previousTime.Add(time.Nanosecond)
		}
	}
	record.Timestamp = now.Format(time.RFC3339Nano)
}

// offersFor returns every stored offer directed at target, ordered by
// offerer for deterministic responses.
func (s *signalStore) offersFor(target string) []transport.SignalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []transport.SignalRecord
	for _, record := range s.offers {
		if record.Target == target {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Offerer < records[j].Offerer
	})
	return records
}

// answersFor returns every stored answer to offers originated by
// offerer, ordered by target.
func (s *signalStore) answersFor(offerer string) []transport.SignalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []transport.SignalRecord
	for _, record := range s.answers {
		if record.Offerer == offerer {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Target < records[j].Target
	})
	return records
}

// sweep drops records older than signalRetention. Records whose
// timestamp fails to parse are dropped too; they can only confuse
// pollers.
func (s *signalStore) sweep() {
	cutoff := s.clock.Now().UTC().Add(-signalRetention)

	s.mu.Lock()
	defer s.mu.Unlock()
	sweepMailboxes(s.offers, cutoff)
	sweepMailboxes(s.answers, cutoff)
}

func sweepMailboxes(mailboxes map[string]transport.SignalRecord, cutoff time.Time) {
	for key, record := range mailboxes {
		stamped, err := time.Parse(time.RFC3339Nano, record.Timestamp)
		if err != nil || stamped.Before(cutoff) {
			delete(mailboxes, key)
		}
	}
}
