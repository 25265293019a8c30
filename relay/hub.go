// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atrium-collab/atrium/lib/codec"
	"github.com/atrium-collab/atrium/lib/netutil"
	"github.com/atrium-collab/atrium/transport"
)

// Hub-side websocket timing. Clients ping every 54 seconds; a
// connection quiet for longer than hubReadWait is dead. The handshake
// deadline bounds how long an opened socket may stall before sending
// hello.
const (
	hubWriteWait     = 10 * time.Second
	hubReadWait      = 90 * time.Second
	hubHandshakeWait = 10 * time.Second
)

// hubSendQueue is the per-connection outbound queue depth. A peer
// whose queue overflows is reading too slowly to keep its portal
// coherent and is disconnected rather than allowed to stall everyone
// routing through it.
const hubSendQueue = 256

// hubMaxFrameBytes bounds a single relay frame. Editor updates carry
// compressed buffer snapshots, so the limit is generous.
const hubMaxFrameBytes = 16 << 20

// hub routes transport.RelayFrame traffic between websocket peers.
// All link state lives in one table guarded by one mutex; per-sender
// frame order is preserved because each peer's frames are enqueued by
// its single read pump and every send queue is FIFO.
type hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// onDisconnect, when set, runs after a peer's registration is
	// removed. The server uses it to expire directory entries whose
	// host just vanished.
	onDisconnect func(peerID string)

	mu     sync.Mutex
	peers  map[string]*hubPeer
	closed bool
}

// hubPeer is one registered websocket connection.
type hubPeer struct {
	id   string
	conn *websocket.Conn
	send chan transport.RelayFrame

	// links is guarded by the hub's mutex, not the peer's own state.
	links map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger: logger,
		peers:  make(map[string]*hubPeer),
	}
}

// handleConnect upgrades an HTTP request into a hub connection: read
// the hello frame, register the peer, answer with welcome, and start
// the pumps. Registration failures (duplicate ID, malformed hello)
// are reported with an error frame before closing, which the dialing
// client surfaces as a handshake error.
func (h *hub) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(hubMaxFrameBytes)

	peerID, err := readHello(conn)
	if err != nil {
		rejectConnection(conn, err.Error())
		h.logger.Debug("relay handshake failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	peer := &hubPeer{
		id:    peerID,
		conn:  conn,
		send:  make(chan transport.RelayFrame, hubSendQueue),
		links: make(map[string]struct{}),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		rejectConnection(conn, "hub is shutting down")
		return
	}
	if _, taken := h.peers[peerID]; taken {
		h.mu.Unlock()
		rejectConnection(conn, fmt.Sprintf("peer id %s is already connected", peerID))
		h.logger.Warn("rejected duplicate relay peer", "peer_id", peerID, "remote", r.RemoteAddr)
		return
	}
	h.peers[peerID] = peer
	// Welcome is enqueued under the lock so it precedes any linked
	// frame a concurrent registrant could generate.
	peer.send <- transport.RelayFrame{Type: transport.RelayWelcome, Peer: peerID}
	h.mu.Unlock()

	h.logger.Info("relay peer connected", "peer_id", peerID, "remote", r.RemoteAddr)

	go h.writePump(peer)
	h.readPump(peer)
}

// readHello reads and validates the handshake frame.
func readHello(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(hubHandshakeWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("reading hello: %w", err)
	}

	var frame transport.RelayFrame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return "", fmt.Errorf("malformed hello: %w", err)
	}
	if frame.Type != transport.RelayHello {
		return "", fmt.Errorf("expected hello, got %s", frame.Type)
	}
	if frame.Peer == "" {
		return "", fmt.Errorf("hello is missing the peer id")
	}
	return frame.Peer, nil
}

// rejectConnection reports a registration failure on a connection that
// never joined the hub, then closes it.
func rejectConnection(conn *websocket.Conn, reason string) {
	frame := transport.RelayFrame{Type: transport.RelayError, Error: reason}
	if data, err := codec.Marshal(frame); err == nil {
		conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
		conn.WriteMessage(websocket.BinaryMessage, data)
	}
	conn.Close()
}

// readPump consumes a registered peer's frames until the connection
// drops, then removes the peer. Runs on the connection's handler
// goroutine.
func (h *hub) readPump(peer *hubPeer) {
	peer.conn.SetReadDeadline(time.Now().Add(hubReadWait))
	peer.conn.SetPingHandler(func(payload string) error {
		peer.conn.SetReadDeadline(time.Now().Add(hubReadWait))
		return peer.conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(hubWriteWait))
	})

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			h.remove(peer, err)
			return
		}
		peer.conn.SetReadDeadline(time.Now().Add(hubReadWait))

		var frame transport.RelayFrame
		if err := codec.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("dropping malformed relay frame", "peer_id", peer.id, "error", err)
			continue
		}
		h.route(peer, frame)
	}
}

// writePump is the connection's only frame writer after the
// handshake.
func (h *hub) writePump(peer *hubPeer) {
	for {
		select {
		case frame := <-peer.send:
			data, err := codec.Marshal(frame)
			if err != nil {
				h.logger.Warn("dropping unencodable relay frame",
					"peer_id", peer.id,
					"type", string(frame.Type),
					"error", err,
				)
				continue
			}
			peer.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := peer.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				// The read pump observes the same failure and
				// removes the peer.
				peer.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-peer.done:
			return
		}
	}
}

// route applies one frame from a registered peer.
func (h *hub) route(sender *hubPeer, frame transport.RelayFrame) {
	switch frame.Type {
	case transport.RelayLink:
		h.link(sender, frame.Target)
	case transport.RelayUnicast:
		h.unicast(sender, frame)
	case transport.RelayBroadcast:
		h.broadcast(sender, frame)
	default:
		h.deliver(sender, transport.RelayFrame{
			Type:  transport.RelayError,
			Error: fmt.Sprintf("unexpected %s frame", frame.Type),
		})
	}
}

// link records a bidirectional link and confirms it to both ends. The
// unsolicited linked frame tells the target it may now send to the
// requester, mirroring how an accepted WebRTC connection is usable
// from both sides.
func (h *hub) link(sender *hubPeer, targetID string) {
	if targetID == "" || targetID == sender.id {
		h.deliver(sender, transport.RelayFrame{
			Type:  transport.RelayLinkError,
			Peer:  targetID,
			Error: "invalid link target",
		})
		return
	}

	h.mu.Lock()
	target, ok := h.peers[targetID]
	if !ok {
		h.mu.Unlock()
		h.deliver(sender, transport.RelayFrame{
			Type:  transport.RelayLinkError,
			Peer:  targetID,
			Error: "peer is not connected",
		})
		return
	}
	sender.links[targetID] = struct{}{}
	target.links[sender.id] = struct{}{}
	h.mu.Unlock()

	h.deliver(sender, transport.RelayFrame{Type: transport.RelayLinked, Peer: targetID})
	h.deliver(target, transport.RelayFrame{Type: transport.RelayLinked, Peer: sender.id})
	h.logger.Debug("relay peers linked", "peer_id", sender.id, "target", targetID)
}

// unicast forwards one frame to a linked target, stamping the sender.
func (h *hub) unicast(sender *hubPeer, frame transport.RelayFrame) {
	h.mu.Lock()
	target, connected := h.peers[frame.Target]
	_, linked := sender.links[frame.Target]
	h.mu.Unlock()

	if !connected || !linked {
		// The target may have departed with this frame already in
		// flight; the sender also receives a peer-gone. Non-fatal.
		h.deliver(sender, transport.RelayFrame{
			Type:  transport.RelayError,
			Error: fmt.Sprintf("no link to %s", frame.Target),
		})
		return
	}

	h.deliver(target, transport.RelayFrame{
		Type:    transport.RelayUnicast,
		Peer:    sender.id,
		Channel: frame.Channel,
		Payload: frame.Payload,
	})
}

// broadcast fans one frame out to every peer linked to the sender at
// this moment, stamping the sender.
func (h *hub) broadcast(sender *hubPeer, frame transport.RelayFrame) {
	h.mu.Lock()
	targets := make([]*hubPeer, 0, len(sender.links))
	for targetID := range sender.links {
		if target, ok := h.peers[targetID]; ok {
			targets = append(targets, target)
		}
	}
	h.mu.Unlock()

	outbound := transport.RelayFrame{
		Type:    transport.RelayBroadcast,
		Peer:    sender.id,
		Channel: frame.Channel,
		Payload: frame.Payload,
	}
	for _, target := range targets {
		h.deliver(target, outbound)
	}
}

// deliver enqueues a frame without blocking. A full queue means the
// peer has stopped consuming; it is cut loose so the portals routing
// through it see a departure instead of an indefinite stall.
func (h *hub) deliver(peer *hubPeer, frame transport.RelayFrame) {
	select {
	case peer.send <- frame:
	case <-peer.done:
		// Peer is unwinding; the frame has nowhere to go.
	default:
		h.logger.Warn("disconnecting slow relay consumer", "peer_id", peer.id)
		peer.shutdown(websocket.ClosePolicyViolation, "send queue overflow")
	}
}

// remove unregisters a peer, tells every linked survivor it is gone,
// and fires the disconnect hook. Safe to call for a peer that was
// already removed.
func (h *hub) remove(peer *hubPeer, cause error) {
	h.mu.Lock()
	if h.peers[peer.id] != peer {
		h.mu.Unlock()
		peer.shutdown(websocket.CloseNormalClosure, "")
		return
	}
	delete(h.peers, peer.id)

	survivors := make([]*hubPeer, 0, len(peer.links))
	for linkedID := range peer.links {
		if linked, ok := h.peers[linkedID]; ok {
			delete(linked.links, peer.id)
			survivors = append(survivors, linked)
		}
	}
	h.mu.Unlock()

	peer.shutdown(websocket.CloseNormalClosure, "")

	gone := transport.RelayFrame{Type: transport.RelayPeerGone, Peer: peer.id}
	for _, survivor := range survivors {
		h.deliver(survivor, gone)
	}

	if netutil.IsExpectedCloseError(cause) ||
		websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.logger.Info("relay peer disconnected", "peer_id", peer.id)
	} else {
		h.logger.Warn("relay peer connection lost", "peer_id", peer.id, "error", cause)
	}

	if h.onDisconnect != nil {
		h.onDisconnect(peer.id)
	}
}

// isConnected reports whether a peer currently holds a hub
// connection.
func (h *hub) isConnected(peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[peerID]
	return ok
}

// closeAll disconnects every peer and refuses new registrations. Each
// read pump observes its closed connection and runs the normal
// removal path.
func (h *hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*hubPeer, 0, len(h.peers))
	for _, peer := range h.peers {
		peers = append(peers, peer)
	}
	h.mu.Unlock()

	for _, peer := range peers {
		peer.shutdown(websocket.CloseGoingAway, "hub is shutting down")
	}
}

// shutdown closes the connection once, sending a close frame first so
// well-behaved clients can tell deliberate disconnects from crashes.
func (p *hubPeer) shutdown(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		message := websocket.FormatCloseMessage(code, reason)
		p.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(hubWriteWait))
		p.conn.Close()
	})
}
