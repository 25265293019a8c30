// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/atrium-collab/atrium/identity"
	"github.com/atrium-collab/atrium/lib/netutil"
)

// ICEConfig holds ICE server configuration for WebRTC
// PeerConnections. Clients refresh it periodically from the
// rendezvous TURN endpoint to keep time-limited credentials valid.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in
	// sequence.
	Servers []webrtc.ICEServer
}

// TURNCredentials is the rendezvous server's /v1/turn response.
type TURNCredentials struct {
	// URIs are the TURN/STUN URIs, e.g. "turn:turn.example.org:3478".
	URIs []string `json:"uris"`
	// Username and Password authenticate against the TURN server.
	Username string `json:"username"`
	Password string `json:"password"`
	// TTLSeconds is how long the credentials remain valid. Zero means
	// they do not expire.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// ICEConfigFromTURN converts rendezvous TURN credentials into an
// ICEConfig suitable for pion/webrtc. When turn is nil (no TURN
// configured), returns a config with only host candidates, which is
// sufficient for same-machine and same-LAN sessions.
func ICEConfigFromTURN(turn *TURNCredentials) ICEConfig {
	if turn == nil || len(turn.URIs) == 0 {
		return ICEConfig{}
	}
	return ICEConfig{
		Servers: []webrtc.ICEServer{
			{
				URLs:       turn.URIs,
				Username:   turn.Username,
				Credential: turn.Password,
			},
		},
	}
}

// FetchTURNCredentials asks a rendezvous server for TURN credentials.
// A server with no TURN configured answers 404; that is returned as
// (nil, nil) so callers fall back to host candidates.
func FetchTURNCredentials(ctx context.Context, httpClient *http.Client, baseURL string) (*TURNCredentials, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/turn", nil)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to create TURN request: %w", err)
	}

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("transport: TURN request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to read TURN response: %w", err)
	}

	if response.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		var apiErr identity.APIError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr != nil || apiErr.Code == "" {
			return nil, fmt.Errorf("transport: unexpected %d response from TURN endpoint: %s",
				response.StatusCode, string(body))
		}
		apiErr.StatusCode = response.StatusCode
		return nil, &apiErr
	}

	var turn TURNCredentials
	if err := json.Unmarshal(body, &turn); err != nil {
		return nil, fmt.Errorf("transport: failed to parse TURN response: %w", err)
	}
	return &turn, nil
}
