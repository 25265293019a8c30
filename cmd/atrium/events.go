// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/atrium-collab/atrium/portal"
)

// Compile-time interface check.
var _ portal.Delegate = (*eventPrinter)(nil)

// eventPrinter is the Delegate for interactive sessions: one line on
// out per session event. Ended is closed on either terminal host
// signal so the join command knows to exit.
type eventPrinter struct {
	portal  *portal.Portal
	out     io.Writer
	ended   chan struct{}
	endOnce sync.Once
}

func newEventPrinter(p *portal.Portal, out io.Writer) *eventPrinter {
	return &eventPrinter{portal: p, out: out, ended: make(chan struct{})}
}

// Ended is closed when the host ends the session, deliberately or by
// dropping off the network. Never closes on a host portal.
func (e *eventPrinter) Ended() <-chan struct{} {
	return e.ended
}

func (e *eventPrinter) SiteDidJoin(site portal.SiteID) {
	fmt.Fprintf(e.out, "%s joined (site %d)\n", e.siteName(site), site)
}

func (e *eventPrinter) SiteDidLeave(site portal.SiteID) {
	fmt.Fprintf(e.out, "%s left (site %d)\n", e.siteName(site), site)
}

func (e *eventPrinter) HostDidClosePortal() {
	fmt.Fprintln(e.out, "host closed the portal")
	e.endOnce.Do(func() { close(e.ended) })
}

func (e *eventPrinter) HostDidLoseConnection() {
	fmt.Fprintln(e.out, "lost connection to the host")
	e.endOnce.Do(func() { close(e.ended) })
}

func (e *eventPrinter) ActiveEditorProxyDidChange(editor *portal.EditorProxy) {
	if editor == nil {
		fmt.Fprintln(e.out, "no active editor")
		return
	}
	fmt.Fprintf(e.out, "active editor: %s\n", editor.Buffer().URI())
}

// siteName resolves a site to its login, falling back to the bare site
// number for IDs with no recorded identity.
func (e *eventPrinter) siteName(site portal.SiteID) string {
	if id, ok := e.portal.SiteIdentity(site); ok {
		return id.Login
	}
	return fmt.Sprintf("site %d", site)
}
