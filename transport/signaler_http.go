// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/atrium-collab/atrium/identity"
	"github.com/atrium-collab/atrium/lib/netutil"
)

// Compile-time interface check.
var _ Signaler = (*HTTPSignaler)(nil)

// SignalRecord is the rendezvous server's representation of one
// published offer or answer. The server stamps Timestamp on receipt;
// clients use it to skip records an earlier poll already returned.
type SignalRecord struct {
	Offerer   string `json:"offerer"`
	Target    string `json:"target"`
	SDP       string `json:"sdp"`
	Timestamp string `json:"timestamp,omitempty"`
}

// SignalList is the response body of the signal poll endpoints.
type SignalList struct {
	Signals []SignalRecord `json:"signals"`
}

// HTTPSignalerConfig holds configuration for creating an HTTPSignaler.
type HTTPSignalerConfig struct {
	// BaseURL is the base URL of the rendezvous server.
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// HTTPSignaler implements Signaler against a rendezvous server's
// /v1/signal endpoints. Offers and answers live in per-pair mailboxes
// on the server; polling filters out records already seen by tracking
// the newest timestamp per mailbox.
type HTTPSignaler struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time // key: "offerer|target"
}

// NewHTTPSignaler creates a signaler backed by a rendezvous server.
func NewHTTPSignaler(config HTTPSignalerConfig) (*HTTPSignaler, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("transport: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("transport: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPSignaler{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		lastSeen:   make(map[string]time.Time),
	}, nil
}

// PublishOffer posts a complete SDP offer to the target's mailbox.
func (s *HTTPSignaler) PublishOffer(ctx context.Context, peerID, target, sdp string) error {
	record := SignalRecord{Offerer: peerID, Target: target, SDP: sdp}
	if err := s.post(ctx, "/v1/signal/offers", record); err != nil {
		return fmt.Errorf("publishing offer %s%s%s: %w", peerID, signalingSeparator, target, err)
	}
	return nil
}

// PublishAnswer posts a complete SDP answer to the offerer's mailbox.
func (s *HTTPSignaler) PublishAnswer(ctx context.Context, offerer, peerID, sdp string) error {
	record := SignalRecord{Offerer: offerer, Target: peerID, SDP: sdp}
	if err := s.post(ctx, "/v1/signal/answers", record); err != nil {
		return fmt.Errorf("publishing answer %s%s%s: %w", offerer, signalingSeparator, peerID, err)
	}
	return nil
}

// PollOffers returns new SDP offers directed at this peer.
func (s *HTTPSignaler) PollOffers(ctx context.Context, peerID string) ([]SignalMessage, error) {
	records, err := s.get(ctx, "/v1/signal/offers", url.Values{"target": {peerID}})
	if err != nil {
		return nil, fmt.Errorf("polling offers: %w", err)
	}

	var messages []SignalMessage
	for _, record := range records {
		key := record.Offerer + signalingSeparator + record.Target
		if !s.isNewer(key, record.Timestamp) {
			continue
		}
		messages = append(messages, SignalMessage{
			Peer:      record.Offerer,
			SDP:       record.SDP,
			Timestamp: record.Timestamp,
		})
	}
	return messages, nil
}

// PollAnswers returns new SDP answers to offers originated by this
// peer.
func (s *HTTPSignaler) PollAnswers(ctx context.Context, peerID string) ([]SignalMessage, error) {
	records, err := s.get(ctx, "/v1/signal/answers", url.Values{"offerer": {peerID}})
	if err != nil {
		return nil, fmt.Errorf("polling answers: %w", err)
	}

	var messages []SignalMessage
	for _, record := range records {
		key := record.Offerer + signalingSeparator + record.Target
		if !s.isNewer(key, record.Timestamp) {
			continue
		}
		messages = append(messages, SignalMessage{
			Peer:      record.Target,
			SDP:       record.SDP,
			Timestamp: record.Timestamp,
		})
	}
	return messages, nil
}

// post sends a JSON body and expects a 2xx response.
func (s *HTTPSignaler) post(ctx context.Context, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	return s.decodeError(response)
}

// get fetches a signal list with the given query.
func (s *HTTPSignaler) get(ctx context.Context, path string, query url.Values) ([]SignalRecord, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, s.decodeError(response)
	}

	var list SignalList
	if err := netutil.DecodeResponse(response.Body, &list); err != nil {
		return nil, fmt.Errorf("parsing signal list: %w", err)
	}
	return list.Signals, nil
}

// decodeError converts a non-2xx response into *identity.APIError, or
// a plain error carrying the raw body when the server did not answer
// with the structured shape.
func (s *HTTPSignaler) decodeError(response *http.Response) error {
	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return fmt.Errorf("reading %d error body: %w", response.StatusCode, err)
	}
	var apiErr identity.APIError
	if jsonErr := json.Unmarshal(body, &apiErr); jsonErr != nil || apiErr.Code == "" {
		return fmt.Errorf("unexpected %d response: %s", response.StatusCode, string(body))
	}
	apiErr.StatusCode = response.StatusCode
	return &apiErr
}

// isNewer returns true if the given timestamp is newer than the
// last-seen timestamp for this mailbox key, and marks it seen.
func (s *HTTPSignaler) isNewer(key, timestampString string) bool {
	timestamp, err := time.Parse(time.RFC3339Nano, timestampString)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSeen[key]; ok && !timestamp.After(last) {
		return false
	}
	s.lastSeen[key] = timestamp
	return true
}
