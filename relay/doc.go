// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the Atrium rendezvous server.
//
// The rendezvous server is the only fixed infrastructure in an Atrium
// deployment. Portal traffic itself flows peer-to-peer over WebRTC
// whenever ICE succeeds; the rendezvous server exists so peers can
// find each other and, when NAT defeats them, fall back to having
// their frames routed centrally. One [Server] exposes five surfaces
// under /v1:
//
//   - /v1/signal/offers and /v1/signal/answers: SDP mailboxes for
//     WebRTC signaling. Records are keyed by the offerer/target pair,
//     stamped with a server-side timestamp, and polled by
//     transport.HTTPSignaler, which deduplicates on that timestamp.
//   - /v1/connect: the websocket relay hub. Peers identify themselves
//     with a hello frame and the hub routes transport.RelayFrame
//     traffic between linked peers, mirroring the link semantics of
//     the direct transports: per-sender order preserved, broadcast
//     scoped to linked peers, departures announced exactly once.
//   - /v1/portals: the portal directory. Hosts register portal IDs,
//     guests resolve them to the host's peer ID. Entries lapse when
//     the hosting peer disconnects from the hub or after an idle TTL.
//   - /v1/identity: bearer-token sign-in against the configured user
//     table.
//   - /v1/turn: static TURN credential handout, 404 when the
//     deployment has no TURN server.
//
// Every error response shares one JSON shape, identity.APIError, so
// clients branch on machine-readable codes rather than status text.
// Configuration is a single YAML file; see [Config].
package relay
