// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/atrium-collab/atrium/lib/netutil"
)

// HTTPProviderConfig holds configuration for creating an HTTPProvider.
type HTTPProviderConfig struct {
	// BaseURL is the base URL of the rendezvous server (e.g.
	// "http://localhost:8452").
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// HTTPProvider resolves tokens against a rendezvous server's
// /v1/identity endpoint.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider backed by a rendezvous server.
func NewHTTPProvider(config HTTPProviderConfig) (*HTTPProvider, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("identity: BaseURL is required")
	}

	// Validate the URL structure. We store the string form (with
	// trailing slash stripped) and build request URLs by direct
	// concatenation, which avoids double-encoding issues with Go's
	// url.URL.String().
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("identity: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPProvider{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Resolve asks the rendezvous server who the token belongs to.
// On 2xx the response body is the Identity. On any other status the
// structured error body is returned as *APIError.
func (p *HTTPProvider) Resolve(ctx context.Context, token string) (Identity, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/identity", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: failed to create request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := p.httpClient.Do(request)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: failed to read response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		// All rendezvous error responses use the same JSON shape.
		var apiErr APIError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr != nil || apiErr.Code == "" {
			// Server returned a non-structured error. Fail loud with
			// the raw body.
			return Identity{}, fmt.Errorf("identity: unexpected %d response: %s",
				response.StatusCode, string(body))
		}
		apiErr.StatusCode = response.StatusCode
		return Identity{}, &apiErr
	}

	var id Identity
	if err := json.Unmarshal(body, &id); err != nil {
		return Identity{}, fmt.Errorf("identity: failed to parse identity response: %w", err)
	}
	if id.IsZero() {
		return Identity{}, fmt.Errorf("identity: server returned an identity with no login")
	}

	p.logger.Debug("resolved identity",
		"login", id.Login,
		"token", TokenFingerprint(token),
	)
	return id, nil
}
