// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/atrium-collab/atrium/identity"
	"github.com/atrium-collab/atrium/portal"
	"github.com/atrium-collab/atrium/transport"
)

func newPrinterPortal(t *testing.T) *portal.Portal {
	t.Helper()
	hub := transport.NewMemoryHub()
	network := hub.NewNetwork("host-peer")
	t.Cleanup(func() { network.Close() })

	p, err := portal.NewHostPortal(portal.HostPortalConfig{
		ID:       "portal-1",
		Network:  network,
		Identity: identity.Identity{Login: "ada", Name: "Ada Lovelace"},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewHostPortal: %v", err)
	}
	t.Cleanup(p.Dispose)
	return p
}

func TestEventPrinterSiteLines(t *testing.T) {
	p := newPrinterPortal(t)
	var out strings.Builder
	printer := newEventPrinter(p, &out)

	// Site 1 is the host, whose identity the portal knows.
	printer.SiteDidJoin(1)
	// Site 9 never joined, so the printer falls back to the number.
	printer.SiteDidLeave(9)

	got := out.String()
	if !strings.Contains(got, "ada joined (site 1)") {
		t.Errorf("output missing host join line:\n%s", got)
	}
	if !strings.Contains(got, "site 9 left (site 9)") {
		t.Errorf("output missing fallback leave line:\n%s", got)
	}
}

func TestEventPrinterEndedOnce(t *testing.T) {
	p := newPrinterPortal(t)
	var out strings.Builder
	printer := newEventPrinter(p, &out)

	select {
	case <-printer.Ended():
		t.Fatal("Ended closed before any terminal event")
	default:
	}

	// Both terminal events firing must close Ended exactly once
	// without panicking.
	printer.HostDidClosePortal()
	printer.HostDidLoseConnection()

	select {
	case <-printer.Ended():
	default:
		t.Fatal("Ended not closed after terminal event")
	}

	got := out.String()
	if !strings.Contains(got, "host closed the portal") {
		t.Errorf("output missing close line:\n%s", got)
	}
	if !strings.Contains(got, "lost connection to the host") {
		t.Errorf("output missing connection-loss line:\n%s", got)
	}
}

func TestEventPrinterActiveEditor(t *testing.T) {
	p := newPrinterPortal(t)
	var out strings.Builder
	printer := newEventPrinter(p, &out)

	buffer, err := p.CreateBufferProxy("notes/plan.md", []byte("# Plan\n"))
	if err != nil {
		t.Fatalf("CreateBufferProxy: %v", err)
	}
	editor, err := p.CreateEditorProxy(buffer)
	if err != nil {
		t.Fatalf("CreateEditorProxy: %v", err)
	}

	printer.ActiveEditorProxyDidChange(editor)
	printer.ActiveEditorProxyDidChange(nil)

	got := out.String()
	if !strings.Contains(got, "active editor: notes/plan.md") {
		t.Errorf("output missing active editor line:\n%s", got)
	}
	if !strings.Contains(got, "no active editor") {
		t.Errorf("output missing cleared editor line:\n%s", got)
	}
}
