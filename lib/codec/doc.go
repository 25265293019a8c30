// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Atrium's standard CBOR encoding configuration
// and the tagged compression scheme for bulky payloads.
//
// Atrium uses two serialization formats with a clear boundary:
//
//   - JSON for the rendezvous server's HTTP API: identity resolution,
//     portal directory, signaling exchange, TURN credential handout.
//   - CBOR for the peer wire protocols: portal protocol envelopes on
//     data channels, transport frames, and relay websocket frames.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every Atrium package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which keeps protocol traces diffable across sites.
//
// All Atrium wire surfaces are message-framed, so the package exposes
// only whole-frame operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Buffer content snapshots embedded in join handshakes and editor
// updates can be large; [Compress] and [Decompress] wrap them in a
// one-byte-tagged compression frame (none, lz4, or zstd) with
// automatic algorithm selection based on a compression probe.
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. Examples:
//     portal protocol envelopes, transport frames, relay hub frames.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Examples: identity records that
//     travel over the rendezvous HTTP API and inside join handshakes.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract.
package codec
