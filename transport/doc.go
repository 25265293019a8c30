// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides peer-to-peer message delivery for portal
// sessions.
//
// The package centers on the [Network] interface: a peer connects to
// other peers by ID, sends unicast frames, broadcasts to every linked
// peer, and subscribes to named channels. The contract is deliberately
// narrow so the portal layer can treat an in-process test fabric and a
// real WebRTC mesh identically. Deliveries on a given channel preserve
// per-sender order, Broadcast reaches exactly the peers linked at the
// moment of the call, and a peer's departure is reported exactly once
// per subscription, after any frames that peer sent. Frames for
// channels nobody subscribes to are dropped.
//
// Three implementations are provided. [MemoryNetwork] is an in-process
// fabric built around a [MemoryHub]; tests use it for deterministic
// multi-peer scenarios, including injected connect failures and abrupt
// peer kills. [WebRTCNetwork] is the production path: pion/webrtc data
// channels with ICE for NAT traversal, one ordered reliable channel
// per peer pair carrying CBOR-framed messages. [RelayNetwork] is the
// fallback for peers whose NAT defeats ICE: a single websocket to the
// rendezvous hub, which maintains the link table and routes frames
// server-side. The relay's wire frames ([RelayFrame]) are exported so
// the hub implementation shares them.
//
// Signaling for WebRTC is abstracted behind the [Signaler] interface,
// which publishes and polls SDP offers and answers. [HTTPSignaler]
// talks to the rendezvous server's signal endpoints and deduplicates
// polled records by timestamp. [MemorySignaler] provides an in-process
// implementation for tests. [SignalMessage] carries the SDP payload
// with ICE candidates inlined in vanilla ICE mode (all candidates
// gathered before publishing).
//
// When two peers dial each other simultaneously, a deterministic
// tie-breaking rule resolves the glare: the peer whose ID is
// lexicographically smaller becomes the offerer, and the other peer
// drops its redundant PeerConnection.
//
// [ICEConfig] holds STUN/TURN server configuration.
// [FetchTURNCredentials] retrieves time-limited TURN credentials from
// the rendezvous server, and [ICEConfigFromTURN] converts them into
// pion ICE server entries; without TURN the stack falls back to host
// candidates, which suffices on a LAN.
package transport
