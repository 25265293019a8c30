// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/atrium-collab/atrium/lib/codec"
	"github.com/atrium-collab/atrium/transport"
)

// frameTrace wraps a Network and logs every outbound frame in CBOR
// diagnostic notation. It is installed only at debug level, since it
// decodes every payload it forwards.
type frameTrace struct {
	transport.Network
	logger *slog.Logger
}

var _ transport.Network = (*frameTrace)(nil)

func newFrameTrace(network transport.Network, logger *slog.Logger) *frameTrace {
	return &frameTrace{Network: network, logger: logger}
}

func (ft *frameTrace) Send(peer, channel string, payload []byte) error {
	ft.logger.Debug("sending frame",
		"peer", peer, "channel", channel, "frame", diagnose(payload))
	return ft.Network.Send(peer, channel, payload)
}

func (ft *frameTrace) Broadcast(channel string, payload []byte) error {
	ft.logger.Debug("broadcasting frame",
		"channel", channel, "frame", diagnose(payload))
	return ft.Network.Broadcast(channel, payload)
}

// diagnose renders a wire frame for the trace log. Payloads that are
// not valid CBOR are summarized rather than dropped, so the trace
// still records that a frame went out.
func diagnose(payload []byte) string {
	notation, err := codec.Diagnose(payload)
	if err != nil {
		return fmt.Sprintf("(%d bytes, not CBOR)", len(payload))
	}
	return notation
}
