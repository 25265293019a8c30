// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/atrium-collab/atrium/identity"
	"github.com/atrium-collab/atrium/lib/netutil"
)

// Directory maps portal IDs to host peer IDs so guests can find the
// hosting site. Implementations must be safe for concurrent use.
type Directory interface {
	// Register publishes a portal. Registering an existing portal ID
	// overwrites the previous entry.
	Register(ctx context.Context, portalID, hostPeerID string) error
	// Lookup resolves a portal ID to its host's peer ID. It returns
	// an error wrapping ErrPortalNotFound for unknown portals.
	Lookup(ctx context.Context, portalID string) (string, error)
}

// Compile-time interface checks.
var (
	_ Directory = (*MemoryDirectory)(nil)
	_ Directory = (*HTTPDirectory)(nil)
)

// MemoryDirectory is an in-process Directory for tests and
// single-process setups.
type MemoryDirectory struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemoryDirectory creates an empty in-process directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{entries: make(map[string]string)}
}

func (d *MemoryDirectory) Register(ctx context.Context, portalID, hostPeerID string) error {
	if portalID == "" || hostPeerID == "" {
		return fmt.Errorf("portal: portal ID and host peer ID are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[portalID] = hostPeerID
	return nil
}

func (d *MemoryDirectory) Lookup(ctx context.Context, portalID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hostPeerID, ok := d.entries[portalID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPortalNotFound, portalID)
	}
	return hostPeerID, nil
}

// PortalRecord is the directory's wire representation of one portal.
type PortalRecord struct {
	PortalID   string `json:"portal_id"`
	HostPeerID string `json:"host_peer_id"`
}

// HTTPDirectoryConfig holds configuration for creating an
// HTTPDirectory.
type HTTPDirectoryConfig struct {
	// BaseURL is the base URL of the rendezvous server.
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
}

// HTTPDirectory implements Directory against a rendezvous server's
// /v1/portals endpoints.
type HTTPDirectory struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPDirectory creates a directory backed by a rendezvous server.
func NewHTTPDirectory(config HTTPDirectoryConfig) (*HTTPDirectory, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("portal: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("portal: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPDirectory{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
	}, nil
}

func (d *HTTPDirectory) Register(ctx context.Context, portalID, hostPeerID string) error {
	record := PortalRecord{PortalID: portalID, HostPeerID: hostPeerID}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding portal record: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/portals", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := d.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("registering portal %s: %w", portalID, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("registering portal %s: %w", portalID, decodeDirectoryError(response))
}

func (d *HTTPDirectory) Lookup(ctx context.Context, portalID string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/portals/"+url.PathEscape(portalID), nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	response, err := d.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("looking up portal %s: %w", portalID, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrPortalNotFound, portalID)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", fmt.Errorf("looking up portal %s: %w", portalID, decodeDirectoryError(response))
	}

	var record PortalRecord
	if err := netutil.DecodeResponse(response.Body, &record); err != nil {
		return "", fmt.Errorf("parsing portal record: %w", err)
	}
	if record.HostPeerID == "" {
		return "", fmt.Errorf("portal record for %s has no host peer ID", portalID)
	}
	return record.HostPeerID, nil
}

// decodeDirectoryError converts a non-2xx response into
// *identity.APIError, or a plain error carrying the raw body when the
// server did not answer with the structured shape.
func decodeDirectoryError(response *http.Response) error {
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
