// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/atrium-collab/atrium/lib/codec"
	"github.com/atrium-collab/atrium/lib/testutil"
	"github.com/atrium-collab/atrium/transport"
)

// newTracedPair links two memory networks and wraps the client side in
// a frame trace whose output lands in the returned buffer.
func newTracedPair(t *testing.T) (*frameTrace, *transport.Subscription, *bytes.Buffer) {
	t.Helper()
	hub := transport.NewMemoryHub()
	client := hub.NewNetwork("client")
	t.Cleanup(func() { client.Close() })
	peer := hub.NewNetwork("peer")
	t.Cleanup(func() { peer.Close() })

	sub, err := peer.Subscribe("portal/trace")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx, "peer"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return newFrameTrace(client, logger), sub, &logs
}

func TestFrameTraceSend(t *testing.T) {
	traced, sub, logs := newTracedPair(t)

	frame, err := codec.Marshal(map[string]string{"type": "editor-update"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := traced.Send("peer", "portal/trace", frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The trace must be a pass-through: the peer receives the frame
	// byte for byte.
	message := testutil.RequireReceive(t, sub.Messages(), 5*time.Second, "traced frame")
	if !bytes.Equal(message.Payload, frame) {
		t.Errorf("delivered payload = %x, want %x", message.Payload, frame)
	}

	got := logs.String()
	if !strings.Contains(got, "sending frame") {
		t.Errorf("log missing send line:\n%s", got)
	}
	if !strings.Contains(got, "editor-update") {
		t.Errorf("log missing diagnostic notation:\n%s", got)
	}
}

func TestFrameTraceBroadcast(t *testing.T) {
	traced, sub, logs := newTracedPair(t)

	frame, err := codec.Marshal(map[string]int{"seq": 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := traced.Broadcast("portal/trace", frame); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	testutil.RequireReceive(t, sub.Messages(), 5*time.Second, "broadcast frame")
	got := logs.String()
	if !strings.Contains(got, "broadcasting frame") {
		t.Errorf("log missing broadcast line:\n%s", got)
	}
	if !strings.Contains(got, "seq") {
		t.Errorf("log missing diagnostic notation:\n%s", got)
	}
}

func TestFrameTraceNonCBORPayload(t *testing.T) {
	traced, sub, logs := newTracedPair(t)

	// Not valid CBOR; the trace must still forward it and record a
	// size summary instead of notation.
	payload := []byte{0xFF, 0xFE, 0xFD}
	if err := traced.Send("peer", "portal/trace", payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	message := testutil.RequireReceive(t, sub.Messages(), 5*time.Second, "opaque frame")
	if !bytes.Equal(message.Payload, payload) {
		t.Errorf("delivered payload = %x, want %x", message.Payload, payload)
	}
	if got := logs.String(); !strings.Contains(got, "not CBOR") {
		t.Errorf("log missing opaque-frame summary:\n%s", got)
	}
}
