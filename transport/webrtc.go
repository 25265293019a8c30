// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/atrium-collab/atrium/lib/codec"
)

// Compile-time interface check.
var _ Network = (*WebRTCNetwork)(nil)

// signalingPollInterval is how often the network polls for inbound
// signaling offers from peers.
const signalingPollInterval = 2 * time.Second

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// answerPollInterval is how often the offerer polls for an SDP answer
// after publishing an offer.
const answerPollInterval = 500 * time.Millisecond

// answerTimeout is the maximum time to wait for an SDP answer before
// giving up.
const answerTimeout = 30 * time.Second

// channelOpenTimeout is the maximum time to wait for the data channel
// to open once the PeerConnection is established.
const channelOpenTimeout = 10 * time.Second

// dataChannelLabel is the label of the single ordered, reliable data
// channel each peer pair shares. All portal channels are multiplexed
// onto it as tagged frames.
const dataChannelLabel = "atrium"

// dataChannelFrame is the CBOR envelope carried on the data channel.
type dataChannelFrame struct {
	Channel string `cbor:"channel"`
	Payload []byte `cbor:"payload"`
}

// WebRTCNetworkConfig holds configuration for creating a WebRTCNetwork.
type WebRTCNetworkConfig struct {
	// Signaler exchanges SDP offers and answers with peers.
	Signaler Signaler
	// PeerID identifies this peer in signaling and in frames it
	// sends. Must not contain "|".
	PeerID string
	// ICE is the initial ICE server configuration.
	ICE ICEConfig
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// WebRTCNetwork carries portal traffic over pion data channels. Each
// peer pair shares one PeerConnection with a single ordered, reliable
// data channel; SCTP ordering gives the per-sender FIFO the delivery
// contract requires.
//
// Connection establishment uses vanilla ICE: all candidates are
// gathered before the SDP is published, so signaling requires exactly
// one round-trip. Inbound offers are accepted automatically; a host
// does not know its guests ahead of time.
type WebRTCNetwork struct {
	signaler Signaler
	peerID   string
	logger   *slog.Logger

	// iceConfig is protected separately because TURN credentials are
	// refreshed periodically while connections are live.
	configMu  sync.RWMutex
	iceConfig ICEConfig

	// peers maps peer ID to link state.
	mu    sync.Mutex
	peers map[string]*peerLink

	subs *subscriptionTable

	// pollCancel stops the signaling poller.
	pollCancel context.CancelFunc

	closed    chan struct{}
	closeOnce sync.Once
}

// errLinkDefunct reports that a link object was replaced or abandoned
// while signaling was in flight. Callers retry against the current
// peers map entry.
var errLinkDefunct = errors.New("link replaced or abandoned")

// peerLink tracks the PeerConnection to a single remote peer. The
// peers map and link fields are protected by WebRTCNetwork.mu; the
// established, ready, and defunct channels are closed (never
// re-opened) to publish state transitions.
type peerLink struct {
	peerID      string
	connection  *webrtc.PeerConnection
	established chan struct{} // closed when ICE reaches Connected/Completed
	ready       chan struct{} // closed when the data channel opens
	readyOnce   sync.Once
	channel     *webrtc.DataChannel
	defunct     chan struct{} // closed when this link object stops being current
	defunctOnce sync.Once
	departOnce  sync.Once
}

// markDefunct wakes everyone waiting on this link object. The glare
// loser's outbound attempt and any Connect callers parked on it
// re-check the peers map instead of hanging on channels that will
// never close.
func (l *peerLink) markDefunct() {
	l.defunctOnce.Do(func() {
		close(l.defunct)
	})
}

// NewWebRTCNetwork creates a live WebRTC network: it immediately
// starts polling for inbound offers and answers them. Close stops the
// poller and tears down every PeerConnection.
func NewWebRTCNetwork(config WebRTCNetworkConfig) (*WebRTCNetwork, error) {
	if config.Signaler == nil {
		return nil, fmt.Errorf("transport: Signaler is required")
	}
	if config.PeerID == "" {
		return nil, fmt.Errorf("transport: PeerID is required")
	}
	if strings.Contains(config.PeerID, signalingSeparator) {
		return nil, fmt.Errorf("transport: PeerID %q must not contain %q", config.PeerID, signalingSeparator)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	network := &WebRTCNetwork{
		signaler:   config.Signaler,
		peerID:     config.PeerID,
		logger:     logger,
		iceConfig:  config.ICE,
		peers:      make(map[string]*peerLink),
		subs:       newSubscriptionTable(),
		pollCancel: pollCancel,
		closed:     make(chan struct{}),
	}

	go network.signalingPoller(pollCtx)
	return network, nil
}

// PeerID returns the ID this network signs its signaling and frames
// with.
func (n *WebRTCNetwork) PeerID() string {
	return n.peerID
}

// UpdateICEConfig replaces the ICE configuration for new
// PeerConnections. Existing PeerConnections keep their current
// configuration.
func (n *WebRTCNetwork) UpdateICEConfig(config ICEConfig) {
	n.configMu.Lock()
	defer n.configMu.Unlock()
	n.iceConfig = config
}

// Connect establishes a link to the named peer: signals a
// PeerConnection if none exists, then waits for ICE to connect and
// the data channel to open. If the link object is replaced while
// waiting (simultaneous dials resolved by the glare rule), Connect
// retries against the replacement.
func (n *WebRTCNetwork) Connect(ctx context.Context, peer string) error {
	if peer == n.peerID {
		return fmt.Errorf("transport: cannot connect to self (%s)", peer)
	}

	for {
		select {
		case <-n.closed:
			return net.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		link, err := n.getOrCreatePeer(ctx, peer)
		if err != nil {
			if errors.Is(err, errLinkDefunct) {
				continue
			}
			return fmt.Errorf("establishing peer connection to %s: %w", peer, err)
		}

		select {
		case <-link.established:
		case <-link.defunct:
			continue
		case <-ctx.Done():
			return ctx.Err()
		case <-n.closed:
			return net.ErrClosed
		}

		select {
		case <-link.ready:
			return nil
		case <-link.defunct:
			continue
		case <-time.After(channelOpenTimeout):
			return fmt.Errorf("data channel to %s did not open within %s", peer, channelOpenTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-n.closed:
			return net.ErrClosed
		}
	}
}

// Send marshals one frame onto the peer's data channel.
func (n *WebRTCNetwork) Send(peer, channel string, payload []byte) error {
	select {
	case <-n.closed:
		return net.ErrClosed
	default:
	}

	n.mu.Lock()
	link, ok := n.peers[peer]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLinked, peer)
	}
	select {
	case <-link.ready:
	default:
		return fmt.Errorf("%w: %s", ErrNotLinked, peer)
	}

	frame, err := codec.Marshal(dataChannelFrame{Channel: channel, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding frame for %s: %w", peer, err)
	}
	if err := link.channel.Send(frame); err != nil {
		return fmt.Errorf("sending frame to %s: %w", peer, err)
	}
	return nil
}

// Broadcast sends one frame to every peer whose data channel is open.
// Individual send failures do not stop the fan-out; the joined errors
// are returned after every peer was attempted.
func (n *WebRTCNetwork) Broadcast(channel string, payload []byte) error {
	select {
	case <-n.closed:
		return net.ErrClosed
	default:
	}

	n.mu.Lock()
	var targets []*peerLink
	for _, link := range n.peers {
		select {
		case <-link.ready:
			targets = append(targets, link)
		default:
		}
	}
	n.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	frame, err := codec.Marshal(dataChannelFrame{Channel: channel, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding broadcast frame: %w", err)
	}

	var errs []error
	for _, link := range targets {
		if err := link.channel.Send(frame); err != nil {
			errs = append(errs, fmt.Errorf("broadcast to %s: %w", link.peerID, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a subscription for a channel.
func (n *WebRTCNetwork) Subscribe(channel string) (*Subscription, error) {
	sub := n.subs.add(channel)
	select {
	case <-n.closed:
		sub.Cancel()
		return nil, net.ErrClosed
	default:
	}
	return sub, nil
}

// Close stops the signaling poller, cancels every subscription, and
// tears down every PeerConnection.
func (n *WebRTCNetwork) Close() error {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.pollCancel()
		n.subs.cancelAll()

		n.mu.Lock()
		links := make([]*peerLink, 0, len(n.peers))
		for _, link := range n.peers {
			links = append(links, link)
		}
		n.peers = make(map[string]*peerLink)
		n.mu.Unlock()

		for _, link := range links {
			link.connection.Close()
		}
	})
	return nil
}

// getOrCreatePeer returns the link for the given peer, creating and
// signaling a new PeerConnection if necessary. If another goroutine is
// already establishing a link to this peer, callers wait for that
// attempt rather than starting a parallel one.
func (n *WebRTCNetwork) getOrCreatePeer(ctx context.Context, peer string) (*peerLink, error) {
	n.mu.Lock()

	if link, ok := n.peers[peer]; ok {
		dead := false
		select {
		case <-link.defunct:
			dead = true
		default:
			state := link.connection.ICEConnectionState()
			dead = state == webrtc.ICEConnectionStateFailed ||
				state == webrtc.ICEConnectionStateClosed
		}
		if !dead {
			n.mu.Unlock()
			return link, nil
		}
		// Connection is dead. Tear down and re-establish.
		link.markDefunct()
		link.connection.Close()
		delete(n.peers, peer)
	}

	// Create the PeerConnection and store it in the map before
	// releasing the lock, so concurrent callers find this entry and
	// wait on link.established instead of starting duplicate
	// signaling.
	pc, err := n.newPeerConnection()
	if err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	link := &peerLink{
		peerID:      peer,
		connection:  pc,
		established: make(chan struct{}),
		ready:       make(chan struct{}),
		defunct:     make(chan struct{}),
	}
	n.peers[peer] = link
	n.mu.Unlock()

	// Run signaling outside the lock. On failure, clean up the map
	// entry so the next caller retries.
	if err := n.establishOutbound(ctx, link); err != nil {
		n.abandonLink(link)
		return nil, err
	}

	return link, nil
}

// abandonLink retires a link whose establishment failed: wakes its
// waiters, removes it from the peers map unless it was already
// replaced, and closes its PeerConnection.
func (n *WebRTCNetwork) abandonLink(link *peerLink) {
	link.markDefunct()
	n.mu.Lock()
	if current, ok := n.peers[link.peerID]; ok && current == link {
		delete(n.peers, link.peerID)
	}
	n.mu.Unlock()
	link.connection.Close()
}

// establishOutbound performs SDP signaling for a PeerConnection that
// is already stored in the peers map. On success the link's
// established channel will be closed by the ICE state handler and the
// ready channel by the data channel's open handler.
func (n *WebRTCNetwork) establishOutbound(ctx context.Context, link *peerLink) error {
	peer := link.peerID
	pc := link.connection

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.handleICEStateChange(link, state)
	})

	// The offerer owns channel creation. Creating it before the offer
	// also forces pion to include a data channel section in the SDP.
	ordered := true
	channel, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	n.wireDataChannel(link, channel)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	// Wait for ICE gathering to complete (vanilla ICE).
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := n.signaler.PublishOffer(ctx, n.peerID, peer, completeSDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}

	n.logger.Info("WebRTC offer published", "peer", peer)

	answerSDP, err := n.waitForAnswer(ctx, link)
	if err != nil {
		if errors.Is(err, errLinkDefunct) {
			return err
		}
		return fmt.Errorf("waiting for SDP answer from %s: %w", peer, err)
	}

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	n.logger.Info("WebRTC outbound connection established", "peer", peer)
	return nil
}

// waitForAnswer polls the signaler for an SDP answer from the link's
// peer. Returns errLinkDefunct if the link is replaced while waiting,
// which happens when the peer dialed us simultaneously and won the
// glare tie-break.
func (n *WebRTCNetwork) waitForAnswer(ctx context.Context, link *peerLink) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-link.defunct:
			return "", errLinkDefunct
		case <-ctx.Done():
			return "", ctx.Err()
		case <-n.closed:
			return "", net.ErrClosed
		case <-ticker.C:
			answers, err := n.signaler.PollAnswers(ctx, n.peerID)
			if err != nil {
				n.logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.Peer == link.peerID {
					return answer.SDP, nil
				}
			}
		}
	}
}

// signalingPoller runs in the background and checks for incoming SDP
// offers from peers.
func (n *WebRTCNetwork) signalingPoller(ctx context.Context) {
	ticker := time.NewTicker(signalingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.closed:
			return
		case <-ticker.C:
			n.processInboundOffers(ctx)
		}
	}
}

// processInboundOffers checks for new SDP offers and answers them.
func (n *WebRTCNetwork) processInboundOffers(ctx context.Context) {
	offers, err := n.signaler.PollOffers(ctx, n.peerID)
	if err != nil {
		n.logger.Warn("polling for SDP offers failed", "error", err)
		return
	}

	for _, offer := range offers {
		n.mu.Lock()
		existing, hasExisting := n.peers[offer.Peer]
		n.mu.Unlock()

		if hasExisting {
			state := existing.connection.ICEConnectionState()
			if state != webrtc.ICEConnectionStateFailed &&
				state != webrtc.ICEConnectionStateClosed {
				// Signaling race: we already have a connection (or are
				// establishing one) to this peer. Tie-breaking: the
				// lexicographically smaller peer ID is the canonical
				// offerer. If the peer should be the offerer (their ID
				// is smaller than ours), accept their offer and tear
				// down our outbound attempt. Otherwise ignore theirs.
				if offer.Peer > n.peerID {
					continue
				}
			}
			// Either the peer won the tie-break or the existing
			// connection is dead. Retire it; waiters retry against
			// the answering link stored by answerOffer.
			n.mu.Lock()
			existing.markDefunct()
			delete(n.peers, offer.Peer)
			n.mu.Unlock()
			existing.connection.Close()
		}

		if err := n.answerOffer(ctx, offer); err != nil {
			n.logger.Error("answering WebRTC offer failed",
				"peer", offer.Peer,
				"error", err,
			)
		}
	}
}

// answerOffer creates a PeerConnection in response to an incoming SDP
// offer. The offerer owns channel creation, so the answering side
// waits for the data channel to arrive via OnDataChannel. The link is
// stored before signaling so that Connect callers whose outbound
// attempt lost the glare tie-break find the replacement immediately.
func (n *WebRTCNetwork) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := n.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	link := &peerLink{
		peerID:      offer.Peer,
		connection:  pc,
		established: make(chan struct{}),
		ready:       make(chan struct{}),
		defunct:     make(chan struct{}),
	}

	pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != dataChannelLabel {
			n.logger.Warn("rejecting unexpected data channel",
				"peer", offer.Peer,
				"label", channel.Label(),
			)
			channel.Close()
			return
		}
		n.wireDataChannel(link, channel)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		n.handleICEStateChange(link, state)
	})

	n.mu.Lock()
	if current, ok := n.peers[offer.Peer]; ok && current != link {
		current.markDefunct()
		current.connection.Close()
	}
	n.peers[offer.Peer] = link
	n.mu.Unlock()

	remoteOffer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		n.abandonLink(link)
		return fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		n.abandonLink(link)
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		n.abandonLink(link)
		return fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		n.abandonLink(link)
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		n.abandonLink(link)
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := n.signaler.PublishAnswer(ctx, offer.Peer, n.peerID, completeSDP); err != nil {
		n.abandonLink(link)
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	n.logger.Info("WebRTC inbound connection answered", "peer", offer.Peer)
	return nil
}

// wireDataChannel installs the open, message, and close handlers on
// the peer's data channel. Called once per link, by whichever side
// the channel originates from.
func (n *WebRTCNetwork) wireDataChannel(link *peerLink, channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		link.readyOnce.Do(func() {
			n.mu.Lock()
			link.channel = channel
			n.mu.Unlock()
			close(link.ready)
		})
		n.logger.Debug("data channel open", "peer", link.peerID)
	})
	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		n.handleFrame(link.peerID, msg.Data)
	})
	channel.OnClose(func() {
		n.handleDeparture(link)
	})
}

// handleFrame decodes an inbound frame and hands it to the
// subscription table. Malformed frames are dropped with a warning;
// one bad frame must not take the link down.
func (n *WebRTCNetwork) handleFrame(peer string, data []byte) {
	var frame dataChannelFrame
	if err := codec.Unmarshal(data, &frame); err != nil {
		n.logger.Warn("dropping malformed frame",
			"peer", peer,
			"error", err,
		)
		return
	}
	n.subs.deliver(Message{
		Sender:  peer,
		Channel: frame.Channel,
		Payload: frame.Payload,
	})
}

// handleICEStateChange monitors PeerConnection state, signals
// establishment, and converts terminal states into departures.
func (n *WebRTCNetwork) handleICEStateChange(link *peerLink, state webrtc.ICEConnectionState) {
	n.logger.Info("ICE state change",
		"peer", link.peerID,
		"state", state.String(),
	)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		select {
		case <-link.established:
			// Already signaled.
		default:
			close(link.established)
		}

	case webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateClosed:
		n.handleDeparture(link)
	}
}

// handleDeparture removes the link and reports the peer's departure.
// A link that never became ready departs silently: no subscriber was
// ever told it existed.
func (n *WebRTCNetwork) handleDeparture(link *peerLink) {
	link.departOnce.Do(func() {
		link.markDefunct()
		n.mu.Lock()
		if current, ok := n.peers[link.peerID]; ok && current == link {
			delete(n.peers, link.peerID)
		}
		n.mu.Unlock()
		link.connection.Close()

		select {
		case <-link.ready:
			n.logger.Info("peer departed", "peer", link.peerID)
			n.subs.departed(link.peerID)
		default:
		}
	})
}

// newPeerConnection creates a pion PeerConnection with the current
// ICE config. Loopback candidates are enabled for same-machine and
// test environments where loopback is the only available interface.
func (n *WebRTCNetwork) newPeerConnection() (*webrtc.PeerConnection, error) {
	n.configMu.RLock()
	config := webrtc.Configuration{
		ICEServers: n.iceConfig.Servers,
	}
	n.configMu.RUnlock()

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}
