// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package portal implements Atrium's collaborative session protocol on
// top of a transport.Network.
//
// A portal is one session. The site that creates it is the host; every
// other participant is a guest. Sessions are star-shaped: each guest
// holds a single transport link to the host, and the host relays
// guest-originated frames to the other guests. The host is the
// membership authority. It assigns site IDs (itself always HostSiteID),
// welcomes joiners with the full roster and the current active editor,
// and announces joins and leaves; guests apply those announcements to
// local replicas. When the host disposes its portal, or a guest's link
// to the host drops, the session is over for that guest: membership
// collapses to the local site and exactly one of the two terminal
// delegate callbacks fires.
//
// Sites share workspace state through proxies. A BufferProxy is a
// named chunk of content, an EditorProxy a view onto one buffer, and
// each portal has at most one active editor, changed with
// SetActiveEditorProxy and observed through the Delegate. Proxies are
// identified by ProxyID and materialized lazily: an editor update
// carries enough metadata for a receiver that has never seen the
// editor or its buffer to build both. Disposal tombstones an ID
// forever, so frames referencing a disposed proxy are dropped silently
// rather than resurrecting it.
//
// BindingManager ties the pieces together for a client: it caches the
// signed-in identity, creates and registers hosted portals, and joins
// remote ones through a Directory that maps portal IDs to host peers.
package portal
