// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atrium-collab/atrium/lib/codec"
	"github.com/atrium-collab/atrium/lib/netutil"
)

// Compile-time interface check.
var _ Network = (*RelayNetwork)(nil)

// Relay websocket timing. Pings keep NAT bindings warm and detect a
// dead hub; the pong deadline is refreshed by the read pump.
const (
	relayWriteWait        = 10 * time.Second
	relayPongWait         = 60 * time.Second
	relayPingPeriod       = (relayPongWait * 9) / 10
	relayHandshakeTimeout = 10 * time.Second
)

// relayOutboundBuffer is the write pump's queue depth. Senders block
// when it fills; the hub applies the same backpressure on its side.
const relayOutboundBuffer = 256

// RelayFrameType discriminates relay frames.
type RelayFrameType string

// Relay frame types. The hello/welcome pair is the connection
// handshake; link/linked/link-error manage the hub's link table;
// unicast and broadcast carry payload frames; peer-gone reports the
// departure of a linked peer; error precedes a hub-initiated close.
const (
	RelayHello     RelayFrameType = "hello"
	RelayWelcome   RelayFrameType = "welcome"
	RelayLink      RelayFrameType = "link"
	RelayLinked    RelayFrameType = "linked"
	RelayLinkError RelayFrameType = "link-error"
	RelayUnicast   RelayFrameType = "unicast"
	RelayBroadcast RelayFrameType = "broadcast"
	RelayPeerGone  RelayFrameType = "peer-gone"
	RelayError     RelayFrameType = "error"
)

// RelayFrame is the CBOR envelope exchanged between a RelayNetwork
// and the rendezvous hub. Field use depends on Type: Peer names the
// frame's subject (self in hello, the other party in linked,
// peer-gone, and inbound payload frames); Target names the
// destination of an outbound link or unicast.
type RelayFrame struct {
	Type    RelayFrameType `cbor:"type"`
	Peer    string         `cbor:"peer,omitempty"`
	Target  string         `cbor:"target,omitempty"`
	Channel string         `cbor:"channel,omitempty"`
	Payload []byte         `cbor:"payload,omitempty"`
	Error   string         `cbor:"error,omitempty"`
}

// RelayNetworkConfig holds configuration for dialing a relay network.
type RelayNetworkConfig struct {
	// BaseURL is the rendezvous server's base URL. http/https schemes
	// are converted to ws/wss automatically.
	BaseURL string
	// PeerID identifies this peer on the hub.
	PeerID string
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// RelayNetwork carries portal traffic through the rendezvous server's
// websocket hub. It is the fallback path for peers whose NAT defeats
// WebRTC: same Network contract, same star topology, with the hub
// routing frames instead of SCTP.
//
// A single websocket connection serves all links. The hub's link
// table is authoritative; the network mirrors it locally so Send can
// fail fast with ErrNotLinked.
type RelayNetwork struct {
	peerID string
	logger *slog.Logger
	conn   *websocket.Conn

	outbound chan RelayFrame

	mu      sync.Mutex
	linked  map[string]struct{}
	pending map[string][]chan error

	subs *subscriptionTable

	closed    chan struct{}
	closeOnce sync.Once
	lostOnce  sync.Once
}

// DialRelay connects to the rendezvous hub, performs the hello
// handshake, and starts the read and write pumps. The returned
// network is live.
func DialRelay(ctx context.Context, config RelayNetworkConfig) (*RelayNetwork, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("transport: BaseURL is required")
	}
	if config.PeerID == "" {
		return nil, fmt.Errorf("transport: PeerID is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wsURL := websocketURL(config.BaseURL) + "/v1/connect"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing relay %s: %w", wsURL, err)
	}

	if err := relayHandshake(conn, config.PeerID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: relay handshake: %w", err)
	}

	network := &RelayNetwork{
		peerID:   config.PeerID,
		logger:   logger,
		conn:     conn,
		outbound: make(chan RelayFrame, relayOutboundBuffer),
		linked:   make(map[string]struct{}),
		pending:  make(map[string][]chan error),
		subs:     newSubscriptionTable(),
		closed:   make(chan struct{}),
	}

	go network.readPump()
	go network.writePump()

	logger.Info("relay connected", "peer_id", config.PeerID, "url", wsURL)
	return network, nil
}

// relayHandshake sends hello and waits for the hub's welcome. An
// error frame (peer ID already taken, malformed hello) fails the
// handshake with the hub's reason.
func relayHandshake(conn *websocket.Conn, peerID string) error {
	hello, err := codec.Marshal(RelayFrame{Type: RelayHello, Peer: peerID})
	if err != nil {
		return fmt.Errorf("encoding hello: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(relayHandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("waiting for welcome: %w", err)
	}

	var frame RelayFrame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("decoding welcome: %w", err)
	}
	switch frame.Type {
	case RelayWelcome:
		return nil
	case RelayError:
		return fmt.Errorf("hub rejected connection: %s", frame.Error)
	default:
		return fmt.Errorf("unexpected %s frame during handshake", frame.Type)
	}
}

// websocketURL converts an http(s) base URL to its ws(s) equivalent.
func websocketURL(baseURL string) string {
	trimmed := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		return "wss://" + strings.TrimPrefix(trimmed, "https://")
	case strings.HasPrefix(trimmed, "http://"):
		return "ws://" + strings.TrimPrefix(trimmed, "http://")
	default:
		return trimmed
	}
}

// PeerID returns the ID this network registered with the hub.
func (n *RelayNetwork) PeerID() string {
	return n.peerID
}

// Connect asks the hub to link this peer with the target. Blocks
// until the hub confirms or denies the link.
func (n *RelayNetwork) Connect(ctx context.Context, peer string) error {
	select {
	case <-n.closed:
		return net.ErrClosed
	default:
	}
	if peer == n.peerID {
		return fmt.Errorf("transport: cannot connect to self (%s)", peer)
	}

	n.mu.Lock()
	if _, ok := n.linked[peer]; ok {
		n.mu.Unlock()
		return nil
	}
	waiter := make(chan error, 1)
	n.pending[peer] = append(n.pending[peer], waiter)
	n.mu.Unlock()

	if err := n.enqueueFrame(RelayFrame{Type: RelayLink, Target: peer}); err != nil {
		n.dropWaiter(peer, waiter)
		return err
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		n.dropWaiter(peer, waiter)
		return ctx.Err()
	case <-n.closed:
		return net.ErrClosed
	}
}

// Send queues one unicast frame for a linked peer.
func (n *RelayNetwork) Send(peer, channel string, payload []byte) error {
	n.mu.Lock()
	_, linked := n.linked[peer]
	n.mu.Unlock()
	if !linked {
		return fmt.Errorf("%w: %s", ErrNotLinked, peer)
	}

	return n.enqueueFrame(RelayFrame{
		Type:    RelayUnicast,
		Target:  peer,
		Channel: channel,
		Payload: payload,
	})
}

// Broadcast queues one frame for every peer the hub holds a link to.
// The hub performs the fan-out against its authoritative link table.
func (n *RelayNetwork) Broadcast(channel string, payload []byte) error {
	return n.enqueueFrame(RelayFrame{
		Type:    RelayBroadcast,
		Channel: channel,
		Payload: payload,
	})
}

// Subscribe registers a subscription for a channel.
func (n *RelayNetwork) Subscribe(channel string) (*Subscription, error) {
	sub := n.subs.add(channel)
	select {
	case <-n.closed:
		sub.Cancel()
		return nil, net.ErrClosed
	default:
	}
	return sub, nil
}

// Close cancels every subscription and closes the hub connection.
// Peers linked to this one observe a departure from the hub.
func (n *RelayNetwork) Close() error {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.subs.cancelAll()
		n.failAllWaiters(net.ErrClosed)

		// WriteControl is safe concurrently with the write pump.
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		n.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(relayWriteWait))
		n.conn.Close()
	})
	return nil
}

// enqueueFrame hands a frame to the write pump.
func (n *RelayNetwork) enqueueFrame(frame RelayFrame) error {
	select {
	case n.outbound <- frame:
		return nil
	case <-n.closed:
		return net.ErrClosed
	}
}

// writePump is the connection's only frame writer. It serializes
// outbound frames and keepalive pings.
func (n *RelayNetwork) writePump() {
	ticker := time.NewTicker(relayPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-n.outbound:
			data, err := codec.Marshal(frame)
			if err != nil {
				n.logger.Warn("dropping unencodable relay frame",
					"type", string(frame.Type),
					"error", err,
				)
				continue
			}
			n.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := n.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				n.connectionLost(err)
				return
			}
		case <-ticker.C:
			n.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := n.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				n.connectionLost(err)
				return
			}
		case <-n.closed:
			return
		}
	}
}

// readPump dispatches inbound frames until the connection drops.
func (n *RelayNetwork) readPump() {
	n.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	n.conn.SetPongHandler(func(string) error {
		n.conn.SetReadDeadline(time.Now().Add(relayPongWait))
		return nil
	})

	for {
		_, data, err := n.conn.ReadMessage()
		if err != nil {
			n.connectionLost(err)
			return
		}

		var frame RelayFrame
		if err := codec.Unmarshal(data, &frame); err != nil {
			n.logger.Warn("dropping malformed relay frame", "error", err)
			continue
		}
		n.handleFrame(frame)
	}
}

// handleFrame applies one hub frame to local state.
func (n *RelayNetwork) handleFrame(frame RelayFrame) {
	switch frame.Type {
	case RelayLinked:
		n.mu.Lock()
		n.linked[frame.Peer] = struct{}{}
		waiters := n.pending[frame.Peer]
		delete(n.pending, frame.Peer)
		n.mu.Unlock()
		for _, waiter := range waiters {
			waiter <- nil
		}

	case RelayLinkError:
		n.mu.Lock()
		waiters := n.pending[frame.Peer]
		delete(n.pending, frame.Peer)
		n.mu.Unlock()
		err := fmt.Errorf("%w: %s (%s)", ErrUnknownPeer, frame.Peer, frame.Error)
		for _, waiter := range waiters {
			waiter <- err
		}

	case RelayUnicast, RelayBroadcast:
		n.subs.deliver(Message{
			Sender:  frame.Peer,
			Channel: frame.Channel,
			Payload: frame.Payload,
		})

	case RelayPeerGone:
		n.mu.Lock()
		_, wasLinked := n.linked[frame.Peer]
		delete(n.linked, frame.Peer)
		waiters := n.pending[frame.Peer]
		delete(n.pending, frame.Peer)
		n.mu.Unlock()

		err := fmt.Errorf("%w: %s", ErrUnknownPeer, frame.Peer)
		for _, waiter := range waiters {
			waiter <- err
		}
		if wasLinked {
			n.subs.departed(frame.Peer)
		}

	case RelayError:
		n.logger.Warn("hub reported protocol error", "error", frame.Error)

	default:
		n.logger.Warn("ignoring unexpected relay frame", "type", string(frame.Type))
	}
}

// connectionLost handles the hub link dropping out from under us:
// every linked peer becomes unreachable at once, which surfaces as a
// departure per peer.
func (n *RelayNetwork) connectionLost(err error) {
	n.lostOnce.Do(func() {
		select {
		case <-n.closed:
			// Deliberate shutdown; subscriptions are already
			// cancelled.
		default:
			if netutil.IsExpectedCloseError(err) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				n.logger.Info("relay connection closed")
			} else {
				n.logger.Warn("relay connection lost", "error", err)
			}
		}

		n.mu.Lock()
		peers := make([]string, 0, len(n.linked))
		for peer := range n.linked {
			peers = append(peers, peer)
		}
		n.linked = make(map[string]struct{})
		n.mu.Unlock()
		n.failAllWaiters(net.ErrClosed)

		for _, peer := range peers {
			n.subs.departed(peer)
		}
		n.conn.Close()
	})
}

// dropWaiter removes a single pending Connect waiter.
func (n *RelayNetwork) dropWaiter(peer string, waiter chan error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	current := n.pending[peer]
	for i, candidate := range current {
		if candidate == waiter {
			n.pending[peer] = append(current[:i], current[i+1:]...)
			break
		}
	}
	if len(n.pending[peer]) == 0 {
		delete(n.pending, peer)
	}
}

// failAllWaiters resolves every pending Connect with err.
func (n *RelayNetwork) failAllWaiters(err error) {
	n.mu.Lock()
	var waiters []chan error
	for _, peerWaiters := range n.pending {
		waiters = append(waiters, peerWaiters...)
	}
	n.pending = make(map[string][]chan error)
	n.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- err
	}
}
