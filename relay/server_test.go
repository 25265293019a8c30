// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/atrium-collab/atrium/identity"
	"github.com/atrium-collab/atrium/lib/testutil"
	"github.com/atrium-collab/atrium/portal"
	"github.com/atrium-collab/atrium/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newTestServer builds a Server around httptest so endpoint tests use
// real client implementations against a real listener. The sweeper is
// not running; tests drive expiry through the mock clock and direct
// sweep calls.
func newTestServer(t *testing.T, config Config) (*Server, *clock.Mock, *httptest.Server) {
	t.Helper()

	mockClock := clock.NewMock()
	server, err := NewServer(ServerConfig{
		Config: config,
		Logger: discardLogger(),
		Clock:  mockClock,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return server, mockClock, httpServer
}

// TestIdentityEndpoint runs the real HTTP provider against the
// configured user table.
func TestIdentityEndpoint(t *testing.T) {
	_, _, httpServer := newTestServer(t, Config{
		Users: []UserConfig{
			{Token: "tok-haruka", Login: "haruka", Name: "Haruka Aoki"},
		},
	})

	provider, err := identity.NewHTTPProvider(identity.HTTPProviderConfig{
		BaseURL:    httpServer.URL,
		HTTPClient: httpServer.Client(),
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewHTTPProvider failed: %v", err)
	}
	ctx := context.Background()

	t.Run("known token", func(t *testing.T) {
		id, err := provider.Resolve(ctx, "tok-haruka")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if id.Login != "haruka" || id.Name != "Haruka Aoki" {
			t.Errorf("identity = %+v", id)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := provider.Resolve(ctx, "tok-nobody")
		if !identity.IsAPIError(err, identity.ErrCodeUnknownToken) {
			t.Errorf("error = %v, want APIError %q", err, identity.ErrCodeUnknownToken)
		}
		var apiErr *identity.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", apiErr.StatusCode)
		}
	})

	t.Run("missing bearer token", func(t *testing.T) {
		response, err := httpServer.Client().Get(httpServer.URL + "/v1/identity")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", response.StatusCode)
		}
		var apiErr identity.APIError
		if err := json.NewDecoder(response.Body).Decode(&apiErr); err != nil {
			t.Fatalf("decoding error body: %v", err)
		}
		if apiErr.Code != identity.ErrCodeInvalidRequest {
			t.Errorf("code = %q, want %q", apiErr.Code, identity.ErrCodeInvalidRequest)
		}
	})
}

// TestTURNEndpoint covers both the configured and the unconfigured
// handout through the real fetch helper.
func TestTURNEndpoint(t *testing.T) {
	t.Run("unconfigured answers 404", func(t *testing.T) {
		_, _, httpServer := newTestServer(t, Config{})
		turn, err := transport.FetchTURNCredentials(context.Background(), httpServer.Client(), httpServer.URL)
		if err != nil {
			t.Fatalf("FetchTURNCredentials failed: %v", err)
		}
		if turn != nil {
			t.Errorf("expected nil credentials, got %+v", turn)
		}
	})

	t.Run("configured credentials round-trip", func(t *testing.T) {
		_, _, httpServer := newTestServer(t, Config{
			TURN: &TURNConfig{
				URIs:       []string{"turn:turn.example.org:3478"},
				Username:   "atrium",
				Password:   "s3cret",
				TTLSeconds: 900,
			},
		})
		turn, err := transport.FetchTURNCredentials(context.Background(), httpServer.Client(), httpServer.URL)
		if err != nil {
			t.Fatalf("FetchTURNCredentials failed: %v", err)
		}
		if turn == nil {
			t.Fatal("expected credentials")
		}
		if len(turn.URIs) != 1 || turn.URIs[0] != "turn:turn.example.org:3478" {
			t.Errorf("URIs = %v", turn.URIs)
		}
		if turn.Username != "atrium" || turn.Password != "s3cret" || turn.TTLSeconds != 900 {
			t.Errorf("credentials = %+v", turn)
		}
	})
}

// TestSignalEndpoints runs the real HTTPSignaler against the server's
// mailboxes: publish, targeted poll, dedup across polls, and
// replacement by republication.
func TestSignalEndpoints(t *testing.T) {
	_, _, httpServer := newTestServer(t, Config{})

	signaler, err := transport.NewHTTPSignaler(transport.HTTPSignalerConfig{
		BaseURL:    httpServer.URL,
		HTTPClient: httpServer.Client(),
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewHTTPSignaler failed: %v", err)
	}
	ctx := context.Background()

	if err := signaler.PublishOffer(ctx, "alpha", "beta", "offer-1"); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}

	offers, err := signaler.PollOffers(ctx, "beta")
	if err != nil {
		t.Fatalf("PollOffers failed: %v", err)
	}
	if len(offers) != 1 || offers[0].Peer != "alpha" || offers[0].SDP != "offer-1" {
		t.Fatalf("offers = %+v", offers)
	}

	// The mailbox still holds the record, but its timestamp has been
	// seen.
	offers, err = signaler.PollOffers(ctx, "beta")
	if err != nil {
		t.Fatalf("second PollOffers failed: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("expected dedup to drop the replayed offer, got %+v", offers)
	}

	// Republication replaces the mailbox record with a strictly newer
	// timestamp even though the mock clock has not moved.
	if err := signaler.PublishOffer(ctx, "alpha", "beta", "offer-2"); err != nil {
		t.Fatalf("republish failed: %v", err)
	}
	offers, err = signaler.PollOffers(ctx, "beta")
	if err != nil {
		t.Fatalf("third PollOffers failed: %v", err)
	}
	if len(offers) != 1 || offers[0].SDP != "offer-2" {
		t.Errorf("expected the replacement offer, got %+v", offers)
	}

	// Peers poll only their own mailboxes.
	offers, err = signaler.PollOffers(ctx, "gamma")
	if err != nil {
		t.Fatalf("PollOffers for gamma failed: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("gamma sees someone else's offers: %+v", offers)
	}

	// Answers route back to the offerer.
	if err := signaler.PublishAnswer(ctx, "alpha", "beta", "answer-1"); err != nil {
		t.Fatalf("PublishAnswer failed: %v", err)
	}
	answers, err := signaler.PollAnswers(ctx, "alpha")
	if err != nil {
		t.Fatalf("PollAnswers failed: %v", err)
	}
	if len(answers) != 1 || answers[0].Peer != "beta" || answers[0].SDP != "answer-1" {
		t.Errorf("answers = %+v", answers)
	}
}

// TestSignalEndpoints_Validation verifies the structured rejections.
func TestSignalEndpoints_Validation(t *testing.T) {
	_, _, httpServer := newTestServer(t, Config{})
	client := httpServer.Client()

	t.Run("incomplete record", func(t *testing.T) {
		response, err := client.Post(httpServer.URL+"/v1/signal/offers", "application/json",
			strings.NewReader(`{"offerer":"alpha"}`))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", response.StatusCode)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		response, err := client.Post(httpServer.URL+"/v1/signal/answers", "application/json",
			strings.NewReader(`{broken`))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", response.StatusCode)
		}
		var apiErr identity.APIError
		if err := json.NewDecoder(response.Body).Decode(&apiErr); err != nil {
			t.Fatalf("decoding error body: %v", err)
		}
		if apiErr.Code != identity.ErrCodeInvalidRequest {
			t.Errorf("code = %q, want %q", apiErr.Code, identity.ErrCodeInvalidRequest)
		}
	})

	t.Run("poll without filter", func(t *testing.T) {
		response, err := client.Get(httpServer.URL + "/v1/signal/offers")
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", response.StatusCode)
		}
	})
}

// TestSignalSweep verifies stale mailboxes are dropped once the
// retention window passes.
func TestSignalSweep(t *testing.T) {
	server, mockClock, httpServer := newTestServer(t, Config{})

	signaler, err := transport.NewHTTPSignaler(transport.HTTPSignalerConfig{
		BaseURL:    httpServer.URL,
		HTTPClient: httpServer.Client(),
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewHTTPSignaler failed: %v", err)
	}
	ctx := context.Background()

	if err := signaler.PublishOffer(ctx, "alpha", "beta", "offer"); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}

	mockClock.Add(signalRetention / 2)
	server.signals.sweep()
	if records := server.signals.offersFor("beta"); len(records) != 1 {
		t.Fatalf("fresh offer swept early: %+v", records)
	}

	mockClock.Add(signalRetention)
	server.signals.sweep()
	if records := server.signals.offersFor("beta"); len(records) != 0 {
		t.Errorf("stale offer survived the sweep: %+v", records)
	}
}

// TestPortalDirectoryEndpoints runs the real HTTPDirectory client
// against registration, lookup, and expiry.
func TestPortalDirectoryEndpoints(t *testing.T) {
	server, mockClock, httpServer := newTestServer(t, Config{
		PortalTTL: Duration(10 * time.Minute),
	})

	directory, err := portal.NewHTTPDirectory(portal.HTTPDirectoryConfig{
		BaseURL:    httpServer.URL,
		HTTPClient: httpServer.Client(),
	})
	if err != nil {
		t.Fatalf("NewHTTPDirectory failed: %v", err)
	}
	ctx := context.Background()

	if err := directory.Register(ctx, "portal-1", "host-peer"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	host, err := directory.Lookup(ctx, "portal-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if host != "host-peer" {
		t.Errorf("host = %q, want %q", host, "host-peer")
	}

	t.Run("unknown portal", func(t *testing.T) {
		_, err := directory.Lookup(ctx, "portal-nope")
		if !errors.Is(err, portal.ErrPortalNotFound) {
			t.Errorf("error = %v, want ErrPortalNotFound", err)
		}
	})

	t.Run("invalid registration", func(t *testing.T) {
		response, err := httpServer.Client().Post(httpServer.URL+"/v1/portals", "application/json",
			strings.NewReader(`{"portal_id":"p"}`))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", response.StatusCode)
		}
	})

	t.Run("lookups refresh the idle deadline", func(t *testing.T) {
		mockClock.Add(9 * time.Minute)
		if _, err := directory.Lookup(ctx, "portal-1"); err != nil {
			t.Fatalf("Lookup after 9m failed: %v", err)
		}
		mockClock.Add(9 * time.Minute)
		if _, err := directory.Lookup(ctx, "portal-1"); err != nil {
			t.Errorf("refreshed entry expired early: %v", err)
		}
	})

	t.Run("idle entries expire", func(t *testing.T) {
		mockClock.Add(11 * time.Minute)
		server.directory.sweep()
		if _, err := directory.Lookup(ctx, "portal-1"); !errors.Is(err, portal.ErrPortalNotFound) {
			t.Errorf("error = %v, want ErrPortalNotFound after idle TTL", err)
		}
	})

	t.Run("expired entries are invisible even before the sweep", func(t *testing.T) {
		if err := directory.Register(ctx, "portal-2", "host-peer"); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		mockClock.Add(11 * time.Minute)
		if _, err := directory.Lookup(ctx, "portal-2"); !errors.Is(err, portal.ErrPortalNotFound) {
			t.Errorf("error = %v, want ErrPortalNotFound for lapsed entry", err)
		}
	})
}

// TestServeLifecycle boots the server on an OS-assigned port, checks
// readiness and a live request, and verifies a clean shutdown.
func TestServeLifecycle(t *testing.T) {
	server, err := NewServer(ServerConfig{
		Config: Config{Listen: "127.0.0.1:0"},
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveResult := make(chan error, 1)
	go func() {
		serveResult <- server.Serve(ctx)
	}()

	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")

	response, err := http.Get("http://" + server.Addr().String() + "/v1/turn")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 from unconfigured TURN", response.StatusCode)
	}
	var apiErr identity.APIError
	if err := json.NewDecoder(response.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if apiErr.Code != identity.ErrCodeNotFound {
		t.Errorf("code = %q, want %q", apiErr.Code, identity.ErrCodeNotFound)
	}

	cancel()
	if err := testutil.RequireReceive(t, serveResult, 5*time.Second, "serve exit"); err != nil {
		t.Errorf("Serve returned %v, want nil", err)
	}
}

// TestNewServer_InvalidConfig verifies config validation surfaces
// through the constructor.
func TestNewServer_InvalidConfig(t *testing.T) {
	_, err := NewServer(ServerConfig{
		Config: Config{Users: []UserConfig{{Login: "no-token"}}},
		Logger: discardLogger(),
	})
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if !strings.Contains(err.Error(), "token is required") {
		t.Errorf("error %q does not explain the problem", err)
	}
}
