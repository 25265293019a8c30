// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/atrium-collab/atrium/identity"
	"github.com/atrium-collab/atrium/lib/codec"
	"github.com/atrium-collab/atrium/transport"
)

// SiteID identifies one participant within a single portal. Site IDs
// are allocated by the host, start at HostSiteID, and are never reused
// within a session, so a site that leaves and rejoins comes back as a
// new site.
type SiteID uint32

// HostSiteID is the site ID every host assigns itself. Zero is never a
// valid site ID.
const HostSiteID SiteID = 1

// State is a portal's position in its lifecycle. Transitions only move
// forward: guests go Created, Joining, Active, Disposed; hosts are born
// Active.
type State int

const (
	StateCreated State = iota
	StateJoining
	StateActive
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// HostPortalConfig configures NewHostPortal.
type HostPortalConfig struct {
	// ID is the portal identifier guests use to find the session.
	ID string
	// Network carries the session's frames. The portal does not own
	// the network and never closes it.
	Network transport.Network
	// Identity is the host's own identity, shared with every guest.
	Identity identity.Identity
	// Logger receives portal lifecycle logs. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// GuestPortalConfig configures NewGuestPortal.
type GuestPortalConfig struct {
	// ID is the portal identifier, typically obtained from a
	// Directory lookup.
	ID string
	// HostPeerID is the transport peer ID of the portal's host. All
	// of a guest's session traffic flows through this peer.
	HostPeerID string
	// Network carries the session's frames. The portal does not own
	// the network and never closes it.
	Network transport.Network
	// Identity is the guest's own identity, sent in the join request.
	Identity identity.Identity
	// Logger receives portal lifecycle logs. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Portal is one site's view of a collaborative session. A host portal
// owns membership: it assigns site IDs, relays frames between guests,
// and announces joins and leaves. A guest portal holds a replica of
// the membership roster and the active editor, kept current by the
// host's announcements.
//
// All exported methods are safe for concurrent use. Delegate callbacks
// fire on the portal's single receive goroutine with no internal lock
// held; a callback that blocks stalls delivery of later session events
// but cannot deadlock against portal methods.
type Portal struct {
	id         string
	hostPeerID string // empty on host portals
	network    transport.Network
	logger     *slog.Logger
	channel    string

	mu            sync.Mutex
	state         State
	localSiteID   SiteID
	localIdentity identity.Identity

	// Membership. siteIdentities retains entries for departed sites
	// so history stays attributable; leftSites guarantees at most one
	// leave event per site.
	siteIdentities map[SiteID]identity.Identity
	activeSiteIDs  map[SiteID]struct{}
	leftSites      map[SiteID]struct{}

	// Host-only peer bookkeeping. Guests keep these empty.
	siteIDByPeer map[string]SiteID
	peerBySiteID map[SiteID]string
	nextSiteID   SiteID

	// Proxy registries. Tombstones outlive registry entries so frames
	// referencing a disposed proxy are dropped silently instead of
	// resurrecting it.
	activeEditor     *EditorProxy
	nextProxySeq     uint32
	buffers          map[ProxyID]*BufferProxy
	editors          map[ProxyID]*EditorProxy
	bufferTombstones map[ProxyID]struct{}
	editorTombstones map[ProxyID]struct{}

	// closedSignal records that the terminal host signal has been
	// delivered, so a host close followed by the host's departure
	// produces exactly one callback.
	closedSignal bool

	delegate   Delegate
	joinWaiter chan error
	// joinRequestSent records that the host may already have admitted
	// this site. An aborted join then still owes the host a goodbye, or
	// every other site carries a phantom member until the transport
	// notices the dead link.
	joinRequestSent bool

	sub *transport.Subscription
}

// NewHostPortal creates the hosting site of a new portal. The host is
// immediately active as site HostSiteID and begins accepting join
// requests as soon as the constructor returns.
func NewHostPortal(config HostPortalConfig) (*Portal, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("portal: ID is required")
	}
	if config.Network == nil {
		return nil, fmt.Errorf("portal: Network is required")
	}
	if config.Identity.IsZero() {
		return nil, fmt.Errorf("portal: Identity is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Portal{
		id:            config.ID,
		network:       config.Network,
		logger:        logger,
		channel:       portalChannel(config.ID),
		state:         StateActive,
		localSiteID:   HostSiteID,
		localIdentity: config.Identity,
		nextSiteID:    HostSiteID + 1,
	}
	if err := p.initialize(); err != nil {
		return nil, err
	}
	p.siteIdentities[HostSiteID] = config.Identity
	p.activeSiteIDs[HostSiteID] = struct{}{}
	go p.receiveLoop()
	logger.Info("hosting portal", "portal_id", p.id, "peer_id", config.Network.PeerID())
	return p, nil
}

// NewGuestPortal creates a guest's view of an existing portal. The
// portal starts in StateCreated; nothing touches the network until
// Join is called.
func NewGuestPortal(config GuestPortalConfig) (*Portal, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("portal: ID is required")
	}
	if config.HostPeerID == "" {
		return nil, fmt.Errorf("portal: HostPeerID is required")
	}
	if config.Network == nil {
		return nil, fmt.Errorf("portal: Network is required")
	}
	if config.Identity.IsZero() {
		return nil, fmt.Errorf("portal: Identity is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Portal{
		id:            config.ID,
		hostPeerID:    config.HostPeerID,
		network:       config.Network,
		logger:        logger,
		channel:       portalChannel(config.ID),
		state:         StateCreated,
		localIdentity: config.Identity,
	}
	if err := p.initialize(); err != nil {
		return nil, err
	}
	go p.receiveLoop()
	return p, nil
}

// initialize prepares local bookkeeping: membership maps, proxy
// registries, and the portal's channel subscription. It performs no
// network round-trips.
func (p *Portal) initialize() error {
	p.siteIdentities = make(map[SiteID]identity.Identity)
	p.activeSiteIDs = make(map[SiteID]struct{})
	p.leftSites = make(map[SiteID]struct{})
	p.siteIDByPeer = make(map[string]SiteID)
	p.peerBySiteID = make(map[SiteID]string)
	p.buffers = make(map[ProxyID]*BufferProxy)
	p.editors = make(map[ProxyID]*EditorProxy)
	p.bufferTombstones = make(map[ProxyID]struct{})
	p.editorTombstones = make(map[ProxyID]struct{})

	sub, err := p.network.Subscribe(p.channel)
	if err != nil {
		return fmt.Errorf("portal: subscribing to %s: %w", p.channel, err)
	}
	p.sub = sub
	return nil
}

// ID returns the portal identifier.
func (p *Portal) ID() string {
	return p.id
}

// IsHost reports whether this is the hosting site.
func (p *Portal) IsHost() bool {
	return p.hostPeerID == ""
}

// SiteID returns the local site's ID. It is zero on a guest that has
// not completed its join.
func (p *Portal) SiteID() SiteID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localSiteID
}

// State returns the portal's lifecycle state.
func (p *Portal) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Disposed reports whether the portal has reached its terminal state.
func (p *Portal) Disposed() bool {
	return p.State() == StateDisposed
}

// SetDelegate installs the observer for session events. There is one
// slot; passing nil detaches the current delegate. Events that occur
// while no delegate is installed are dropped, not queued.
func (p *Portal) SetDelegate(delegate Delegate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delegate = delegate
}

// ActiveSiteIDs returns the sites currently in the session, sorted
// ascending. The local site is always included, even after the portal
// is disposed.
func (p *Portal) ActiveSiteIDs() []SiteID {
	p.mu.Lock()
	ids := make([]SiteID, 0, len(p.activeSiteIDs))
	for id := range p.activeSiteIDs {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SiteIdentity returns the identity of a site, present or past. The
// second return is false for site IDs this portal has never seen.
func (p *Portal) SiteIdentity(site SiteID) (identity.Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.siteIdentities[site]
	return id, ok
}

// ActiveEditorProxy returns the editor currently shared in the
// session, or nil when none is active.
func (p *Portal) ActiveEditorProxy() *EditorProxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeEditor
}

// Join connects a guest portal to its host and performs the join
// handshake. It blocks until the host's welcome or denial arrives, the
// context expires, or the transport fails. On any failure the portal
// is disposed; callers retry by creating a fresh portal.
//
// Join on an already-active portal returns nil. Join on a host portal
// returns ErrNotGuest.
func (p *Portal) Join(ctx context.Context) error {
	if p.IsHost() {
		return ErrNotGuest
	}

	p.mu.Lock()
	switch p.state {
	case StateDisposed:
		p.mu.Unlock()
		return ErrPortalDisposed
	case StateActive:
		p.mu.Unlock()
		return nil
	case StateJoining:
		p.mu.Unlock()
		return fmt.Errorf("portal: join already in progress for %s", p.id)
	}
	p.state = StateJoining
	waiter := make(chan error, 1)
	p.joinWaiter = waiter
	p.mu.Unlock()

	if err := p.runJoinHandshake(ctx, waiter); err != nil {
		p.Dispose()
		return fmt.Errorf("joining portal %s: %w", p.id, err)
	}
	return nil
}

func (p *Portal) runJoinHandshake(ctx context.Context, waiter chan error) error {
	if err := p.network.Connect(ctx, p.hostPeerID); err != nil {
		return fmt.Errorf("connecting to host %s: %w", p.hostPeerID, err)
	}
	frame, err := encodeMessage(msgJoinRequest, joinRequestBody{
		ProtocolVersion: ProtocolVersion,
		Identity:        p.localIdentity,
	})
	if err != nil {
		return err
	}
	if err := p.network.Send(p.hostPeerID, p.channel, frame); err != nil {
		return fmt.Errorf("sending join request: %w", err)
	}
	p.mu.Lock()
	p.joinRequestSent = true
	p.mu.Unlock()
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveJoinLocked delivers the outcome of an in-flight join exactly
// once. Callers hold p.mu.
func (p *Portal) resolveJoinLocked(err error) {
	if p.joinWaiter != nil {
		p.joinWaiter <- err
		p.joinWaiter = nil
	}
}

// Dispose tears the portal down. A host broadcasts a close
// announcement to its guests; a guest sends a goodbye to the host.
// Both are best-effort. Dispose never closes the underlying Network
// and is safe to call more than once.
func (p *Portal) Dispose() {
	p.mu.Lock()
	if p.state == StateDisposed {
		p.mu.Unlock()
		return
	}
	wasActive := p.state == StateActive
	// A guest owes a goodbye once the join request is on the wire, not
	// just once the welcome lands: the host may have admitted the site
	// while the guest's Join was already giving up.
	owesGoodbye := !p.IsHost() && (wasActive || p.joinRequestSent)
	p.resolveJoinLocked(ErrPortalDisposed)
	p.state = StateDisposed
	p.mu.Unlock()

	// The disposed flag is already visible, so late inbound frames
	// are dropped regardless of whether these goodbyes arrive.
	if p.IsHost() {
		if wasActive {
			if frame, err := encodeMessage(msgPortalClosed, struct{}{}); err == nil {
				if err := p.network.Broadcast(p.channel, frame); err != nil {
					p.logger.Debug("close announcement not delivered", "portal_id", p.id, "error", err)
				}
			}
		}
	} else if owesGoodbye {
		if frame, err := encodeMessage(msgSiteLeaving, struct{}{}); err == nil {
			if err := p.network.Send(p.hostPeerID, p.channel, frame); err != nil {
				p.logger.Debug("goodbye not delivered", "portal_id", p.id, "error", err)
			}
		}
	}
	p.sub.Cancel()
	p.logger.Info("portal disposed", "portal_id", p.id)
}

// CreateBufferProxy registers a local buffer in the session. The
// buffer's content travels to other sites only when an editor showing
// it becomes the active editor.
func (p *Portal) CreateBufferProxy(uri string, content []byte) (*BufferProxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireActiveLocked(); err != nil {
		return nil, err
	}
	id := p.allocProxyIDLocked()
	buffer := &BufferProxy{portal: p, id: id, uri: uri, content: content}
	p.buffers[id] = buffer
	return buffer, nil
}

// CreateEditorProxy registers a local editor showing the given buffer.
func (p *Portal) CreateEditorProxy(buffer *BufferProxy) (*EditorProxy, error) {
	if buffer == nil {
		return nil, fmt.Errorf("portal: editor proxy requires a buffer proxy")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireActiveLocked(); err != nil {
		return nil, err
	}
	if buffer.portal != p {
		return nil, fmt.Errorf("portal: buffer proxy %s belongs to a different portal", buffer.id)
	}
	if _, gone := p.bufferTombstones[buffer.id]; gone {
		return nil, fmt.Errorf("portal: buffer proxy %s is disposed", buffer.id)
	}
	id := p.allocProxyIDLocked()
	editor := &EditorProxy{portal: p, id: id, buffer: buffer}
	p.editors[id] = editor
	return editor, nil
}

func (p *Portal) requireActiveLocked() error {
	switch p.state {
	case StateActive:
		return nil
	case StateDisposed:
		return ErrPortalDisposed
	default:
		return fmt.Errorf("portal: portal %s is not active (state %s)", p.id, p.state)
	}
}

func (p *Portal) allocProxyIDLocked() ProxyID {
	p.nextProxySeq++
	return ProxyID{Site: p.localSiteID, Seq: p.nextProxySeq}
}

// SetActiveEditorProxy shares an editor with the session, or passes
// nil to announce that no editor is active. Setting the editor that is
// already active is a no-op and sends nothing.
//
// Callers issue editor changes from one goroutine; two goroutines
// racing on this method can publish their frames out of order relative
// to the local state they observed.
func (p *Portal) SetActiveEditorProxy(editor *EditorProxy) error {
	p.mu.Lock()
	if p.state == StateDisposed {
		p.mu.Unlock()
		return nil
	}
	if p.state != StateActive {
		p.mu.Unlock()
		return fmt.Errorf("portal: portal %s is not active (state %s)", p.id, p.state)
	}
	if editor != nil {
		if editor.portal != p {
			p.mu.Unlock()
			return fmt.Errorf("portal: editor proxy %s belongs to a different portal", editor.id)
		}
		if _, gone := p.editorTombstones[editor.id]; gone {
			p.mu.Unlock()
			return fmt.Errorf("portal: editor proxy %s is disposed", editor.id)
		}
	}
	if editor == p.activeEditor {
		p.mu.Unlock()
		return nil
	}
	p.activeEditor = editor
	body := editorUpdateBody{
		OriginSiteID: p.localSiteID,
		Editor:       p.editorRefLocked(editor),
	}
	p.mu.Unlock()

	frame, err := encodeMessage(msgEditorUpdate, body)
	if err != nil {
		return err
	}
	if err := p.network.Broadcast(p.channel, frame); err != nil {
		return fmt.Errorf("broadcasting editor update: %w", err)
	}
	return nil
}

// disposeProxy retires a proxy locally and announces the disposal to
// the session. The first disposal of an ID wins; later calls and
// disposals of already-tombstoned remote proxies are local no-ops.
func (p *Portal) disposeProxy(kind proxyKind, id ProxyID) {
	p.mu.Lock()
	first := p.tombstoneProxyLocked(kind, id)
	disposed := p.state == StateDisposed
	p.mu.Unlock()
	if !first || disposed {
		return
	}

	frame, err := encodeMessage(msgProxyDisposed, proxyDisposedBody{Kind: kind, ProxyID: id})
	if err != nil {
		p.logger.Error("encoding proxy disposal failed", "portal_id", p.id, "error", err)
		return
	}
	if err := p.network.Broadcast(p.channel, frame); err != nil {
		p.logger.Warn("announcing proxy disposal failed", "portal_id", p.id, "proxy_id", id.String(), "error", err)
	}
}

// tombstoneProxyLocked removes a proxy from the live registry and
// marks its ID dead. Returns false if the ID was already tombstoned.
// Disposing a proxy never touches the active editor; remote sites keep
// their reference until an editor update replaces it.
func (p *Portal) tombstoneProxyLocked(kind proxyKind, id ProxyID) bool {
	switch kind {
	case proxyKindBuffer:
		if _, gone := p.bufferTombstones[id]; gone {
			return false
		}
		p.bufferTombstones[id] = struct{}{}
		if buffer, ok := p.buffers[id]; ok {
			delete(p.buffers, id)
			buffer.markDisposed()
		}
	case proxyKindEditor:
		if _, gone := p.editorTombstones[id]; gone {
			return false
		}
		p.editorTombstones[id] = struct{}{}
		if editor, ok := p.editors[id]; ok {
			delete(p.editors, id)
			editor.markDisposed()
		}
	default:
		return false
	}
	return true
}

// editorRefLocked builds the wire reference for an editor, embedding a
// compressed snapshot of its buffer so receivers can materialize both.
// Returns nil for a nil editor.
func (p *Portal) editorRefLocked(editor *EditorProxy) *editorRef {
	if editor == nil {
		return nil
	}
	buffer := editor.buffer
	return &editorRef{
		EditorID: editor.id,
		BufferID: buffer.id,
		URI:      buffer.URI(),
		Content:  codec.Compress(buffer.Content()),
	}
}

// resolveEditorRefLocked turns a wire reference into a live local
// proxy, materializing the editor and its buffer if this site has
// never seen them. The second return is false when the reference is
// stale: it names a tombstoned proxy, or its snapshot cannot be
// decoded. Stale references are dropped without touching state.
func (p *Portal) resolveEditorRefLocked(ref *editorRef) (*EditorProxy, bool) {
	if ref == nil {
		return nil, true
	}
	if _, gone := p.editorTombstones[ref.EditorID]; gone {
		return nil, false
	}
	if editor, ok := p.editors[ref.EditorID]; ok {
		return editor, true
	}
	if _, gone := p.bufferTombstones[ref.BufferID]; gone {
		return nil, false
	}
	buffer, ok := p.buffers[ref.BufferID]
	if !ok {
		content, err := ref.Content.Decompress()
		if err != nil {
			p.logger.Warn("dropping editor reference with undecodable snapshot",
				"portal_id", p.id, "editor_id", ref.EditorID.String(), "error", err)
			return nil, false
		}
		buffer = &BufferProxy{portal: p, id: ref.BufferID, uri: ref.URI, content: content}
		p.buffers[ref.BufferID] = buffer
	}
	editor := &EditorProxy{portal: p, id: ref.EditorID, buffer: buffer}
	p.editors[ref.EditorID] = editor
	return editor, true
}

// receiveLoop is the portal's single receive goroutine. Every inbound
// frame and departure is handled here, which gives session messages a
// total order as seen by this site.
func (p *Portal) receiveLoop() {
	for {
		select {
		case msg := <-p.sub.Messages():
			p.handleMessage(msg)
		case peer := <-p.sub.Departures():
			p.handleDeparture(peer)
		case <-p.sub.Done():
			return
		}
	}
}

func (p *Portal) handleMessage(msg transport.Message) {
	var env envelope
	if err := codec.Unmarshal(msg.Payload, &env); err != nil {
		p.logger.Warn("dropping malformed portal frame", "portal_id", p.id, "peer", msg.Sender, "error", err)
		return
	}

	// A shared network can carry frames from peers outside this
	// session. Hosts accept join requests from anyone and session
	// traffic only from admitted peers; guests accept only the host.
	if p.IsHost() {
		if env.Type == msgJoinRequest {
			p.handleJoinRequest(msg.Sender, env)
			return
		}
		p.mu.Lock()
		_, known := p.siteIDByPeer[msg.Sender]
		p.mu.Unlock()
		if !known {
			p.logger.Debug("dropping frame from unknown peer", "portal_id", p.id, "peer", msg.Sender, "type", string(env.Type))
			return
		}
	} else if msg.Sender != p.hostPeerID {
		p.logger.Debug("dropping frame from non-host peer", "portal_id", p.id, "peer", msg.Sender)
		return
	}

	switch env.Type {
	case msgJoinWelcome:
		p.handleJoinWelcome(env)
	case msgJoinDenied:
		p.handleJoinDenied(env)
	case msgSiteJoined:
		p.handleSiteJoined(env)
	case msgSiteLeaving:
		p.removeSiteByPeer(msg.Sender)
	case msgSiteLeft:
		p.handleSiteLeft(env)
	case msgEditorUpdate:
		p.handleEditorUpdate(msg.Sender, env, msg.Payload)
	case msgProxyDisposed:
		p.handleProxyDisposed(msg.Sender, env, msg.Payload)
	case msgPortalClosed:
		p.hostTerminal(true)
	case msgJoinRequest:
		// Guests never serve join requests.
	default:
		p.logger.Debug("ignoring unknown portal message", "portal_id", p.id, "type", string(env.Type))
	}
}

// handleJoinRequest admits a guest: allocate a site ID, welcome the
// guest with the full session state, and announce the join. A repeated
// request from an admitted peer resends the welcome with the original
// site ID, so a lost welcome does not strand the guest.
func (p *Portal) handleJoinRequest(sender string, env envelope) {
	body, err := decodeBody[joinRequestBody](env)
	if err != nil {
		p.logger.Warn("dropping malformed join request", "portal_id", p.id, "peer", sender, "error", err)
		return
	}
	if body.ProtocolVersion != ProtocolVersion {
		reason := fmt.Sprintf("protocol version %d not supported (host speaks %d)", body.ProtocolVersion, ProtocolVersion)
		p.logger.Warn("denying join", "portal_id", p.id, "peer", sender, "reason", reason)
		p.sendJoinDenied(sender, reason)
		return
	}

	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return
	}
	siteID, rejoin := p.siteIDByPeer[sender]
	if !rejoin {
		siteID = p.nextSiteID
		p.nextSiteID++
		p.siteIdentities[siteID] = body.Identity
		p.activeSiteIDs[siteID] = struct{}{}
		p.siteIDByPeer[sender] = siteID
		p.peerBySiteID[siteID] = sender
	}
	welcome := joinWelcomeBody{
		SiteID:       siteID,
		Sites:        p.rosterLocked(),
		ActiveEditor: p.editorRefLocked(p.activeEditor),
	}
	delegate := p.delegate
	p.mu.Unlock()

	welcomeFrame, err := encodeMessage(msgJoinWelcome, welcome)
	if err != nil {
		p.logger.Error("encoding join welcome failed", "portal_id", p.id, "error", err)
		return
	}
	// Welcome before announcement: both travel the same ordered link,
	// so the guest always learns its own site ID first.
	if err := p.network.Send(sender, p.channel, welcomeFrame); err != nil {
		p.logger.Warn("sending join welcome failed", "portal_id", p.id, "peer", sender, "error", err)
		return
	}
	if rejoin {
		return
	}
	announcement, err := encodeMessage(msgSiteJoined, siteJoinedBody{SiteID: siteID, Identity: body.Identity})
	if err != nil {
		p.logger.Error("encoding join announcement failed", "portal_id", p.id, "error", err)
		return
	}
	if err := p.network.Broadcast(p.channel, announcement); err != nil {
		p.logger.Warn("announcing join failed", "portal_id", p.id, "error", err)
	}
	p.logger.Info("site joined", "portal_id", p.id, "site_id", uint32(siteID), "login", body.Identity.Login)
	if delegate != nil {
		delegate.SiteDidJoin(siteID)
	}
}

// rosterLocked snapshots the full membership history for a welcome,
// sorted by site ID. Departed sites ride along inactive so late
// joiners can attribute their traces.
func (p *Portal) rosterLocked() []siteInfo {
	ids := make([]SiteID, 0, len(p.siteIdentities))
	for id := range p.siteIdentities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	roster := make([]siteInfo, 0, len(ids))
	for _, id := range ids {
		_, active := p.activeSiteIDs[id]
		roster = append(roster, siteInfo{SiteID: id, Identity: p.siteIdentities[id], Active: active})
	}
	return roster
}

func (p *Portal) sendJoinDenied(peer, reason string) {
	frame, err := encodeMessage(msgJoinDenied, joinDeniedBody{Reason: reason})
	if err != nil {
		p.logger.Error("encoding join denial failed", "portal_id", p.id, "error", err)
		return
	}
	if err := p.network.Send(peer, p.channel, frame); err != nil {
		p.logger.Debug("join denial not delivered", "portal_id", p.id, "peer", peer, "error", err)
	}
}

// handleJoinWelcome completes a guest's join: adopt the assigned site
// ID, replace the local roster with the host's, and surface the
// session's current active editor.
func (p *Portal) handleJoinWelcome(env envelope) {
	if p.IsHost() {
		return
	}
	body, err := decodeBody[joinWelcomeBody](env)
	if err != nil {
		p.logger.Warn("dropping malformed join welcome", "portal_id", p.id, "error", err)
		return
	}

	p.mu.Lock()
	if p.state != StateJoining {
		p.mu.Unlock()
		return
	}
	p.localSiteID = body.SiteID
	joined := make([]SiteID, 0, len(body.Sites))
	for _, site := range body.Sites {
		p.siteIdentities[site.SiteID] = site.Identity
		if !site.Active {
			p.leftSites[site.SiteID] = struct{}{}
			continue
		}
		p.activeSiteIDs[site.SiteID] = struct{}{}
		if site.SiteID != body.SiteID {
			joined = append(joined, site.SiteID)
		}
	}
	p.activeSiteIDs[body.SiteID] = struct{}{}
	sort.Slice(joined, func(i, j int) bool { return joined[i] < joined[j] })
	editor, ok := p.resolveEditorRefLocked(body.ActiveEditor)
	if editor != nil {
		p.activeEditor = editor
	}
	p.state = StateActive
	delegate := p.delegate
	p.resolveJoinLocked(nil)
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("welcome carried an unusable active editor", "portal_id", p.id)
	}
	p.logger.Info("joined portal", "portal_id", p.id, "site_id", uint32(body.SiteID))
	if delegate != nil {
		for _, site := range joined {
			delegate.SiteDidJoin(site)
		}
		if editor != nil {
			delegate.ActiveEditorProxyDidChange(editor)
		}
	}
}

func (p *Portal) handleJoinDenied(env envelope) {
	if p.IsHost() {
		return
	}
	body, err := decodeBody[joinDeniedBody](env)
	if err != nil {
		p.logger.Warn("dropping malformed join denial", "portal_id", p.id, "error", err)
		return
	}
	p.mu.Lock()
	if p.state == StateJoining {
		p.resolveJoinLocked(&JoinDeniedError{Reason: body.Reason})
	}
	p.mu.Unlock()
}

// handleSiteJoined applies the host's join announcement on a guest.
// The guest's own announcement and announcements for sites already
// known or already departed are ignored.
func (p *Portal) handleSiteJoined(env envelope) {
	if p.IsHost() {
		return
	}
	body, err := decodeBody[siteJoinedBody](env)
	if err != nil {
		p.logger.Warn("dropping malformed join announcement", "portal_id", p.id, "error", err)
		return
	}

	p.mu.Lock()
	if p.state != StateActive || body.SiteID == p.localSiteID {
		p.mu.Unlock()
		return
	}
	if _, left := p.leftSites[body.SiteID]; left {
		p.mu.Unlock()
		return
	}
	if _, present := p.activeSiteIDs[body.SiteID]; present {
		p.mu.Unlock()
		return
	}
	p.siteIdentities[body.SiteID] = body.Identity
	p.activeSiteIDs[body.SiteID] = struct{}{}
	delegate := p.delegate
	p.mu.Unlock()

	p.logger.Info("site joined", "portal_id", p.id, "site_id", uint32(body.SiteID), "login", body.Identity.Login)
	if delegate != nil {
		delegate.SiteDidJoin(body.SiteID)
	}
}

// handleSiteLeft applies the host's leave announcement on a guest. The
// site's identity is retained for history.
func (p *Portal) handleSiteLeft(env envelope) {
	if p.IsHost() {
		return
	}
	body, err := decodeBody[siteLeftBody](env)
	if err != nil {
		p.logger.Warn("dropping malformed leave announcement", "portal_id", p.id, "error", err)
		return
	}

	p.mu.Lock()
	if p.state != StateActive || body.SiteID == p.localSiteID {
		p.mu.Unlock()
		return
	}
	if _, left := p.leftSites[body.SiteID]; left {
		p.mu.Unlock()
		return
	}
	p.leftSites[body.SiteID] = struct{}{}
	delete(p.activeSiteIDs, body.SiteID)
	delegate := p.delegate
	p.mu.Unlock()

	p.logger.Info("site left", "portal_id", p.id, "site_id", uint32(body.SiteID))
	if delegate != nil {
		delegate.SiteDidLeave(body.SiteID)
	}
}

// removeSiteByPeer retires a guest's membership on the host. Both the
// guest's goodbye and its transport departure funnel here; whichever
// arrives first wins and the other is a no-op.
func (p *Portal) removeSiteByPeer(peer string) {
	p.mu.Lock()
	site, ok := p.siteIDByPeer[peer]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.siteIDByPeer, peer)
	delete(p.peerBySiteID, site)
	if _, left := p.leftSites[site]; left || p.state != StateActive {
		p.mu.Unlock()
		return
	}
	p.leftSites[site] = struct{}{}
	delete(p.activeSiteIDs, site)
	delegate := p.delegate
	p.mu.Unlock()

	announcement, err := encodeMessage(msgSiteLeft, siteLeftBody{SiteID: site})
	if err != nil {
		p.logger.Error("encoding leave announcement failed", "portal_id", p.id, "error", err)
	} else if err := p.network.Broadcast(p.channel, announcement); err != nil {
		p.logger.Warn("announcing leave failed", "portal_id", p.id, "error", err)
	}
	p.logger.Info("site left", "portal_id", p.id, "site_id", uint32(site))
	if delegate != nil {
		delegate.SiteDidLeave(site)
	}
}

// handleEditorUpdate applies an active-editor change. The host relays
// the frame to the other guests before applying it locally, preserving
// its receive order per origin site. A reference to a proxy this site
// has tombstoned is stale; the update is dropped without clearing the
// current editor.
func (p *Portal) handleEditorUpdate(sender string, env envelope, raw []byte) {
	body, err := decodeBody[editorUpdateBody](env)
	if err != nil {
		p.logger.Warn("dropping malformed editor update", "portal_id", p.id, "error", err)
		return
	}
	if p.IsHost() {
		p.relayFrame(sender, raw)
	}

	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return
	}
	resolved, ok := p.resolveEditorRefLocked(body.Editor)
	if !ok {
		p.mu.Unlock()
		p.logger.Debug("dropping stale editor update", "portal_id", p.id, "origin_site", uint32(body.OriginSiteID))
		return
	}
	if resolved == p.activeEditor {
		p.mu.Unlock()
		return
	}
	p.activeEditor = resolved
	delegate := p.delegate
	p.mu.Unlock()

	if delegate != nil {
		delegate.ActiveEditorProxyDidChange(resolved)
	}
}

// handleProxyDisposed tombstones a remotely-disposed proxy. The active
// editor is deliberately left alone even when it is the proxy being
// disposed; only an editor update changes it.
func (p *Portal) handleProxyDisposed(sender string, env envelope, raw []byte) {
	body, err := decodeBody[proxyDisposedBody](env)
	if err != nil {
		p.logger.Warn("dropping malformed proxy disposal", "portal_id", p.id, "error", err)
		return
	}
	if p.IsHost() {
		p.relayFrame(sender, raw)
	}

	p.mu.Lock()
	if p.state == StateActive {
		p.tombstoneProxyLocked(body.Kind, body.ProxyID)
	}
	p.mu.Unlock()
}

// relayFrame forwards a guest's frame to every other guest. Relaying
// happens on the receive goroutine, so all guests observe one origin's
// frames in the order the host received them.
func (p *Portal) relayFrame(originPeer string, raw []byte) {
	p.mu.Lock()
	if p.state != StateActive {
		p.mu.Unlock()
		return
	}
	targets := make([]string, 0, len(p.peerBySiteID))
	for _, peer := range p.peerBySiteID {
		if peer != originPeer {
			targets = append(targets, peer)
		}
	}
	p.mu.Unlock()

	for _, peer := range targets {
		if err := p.network.Send(peer, p.channel, raw); err != nil {
			p.logger.Warn("relaying frame failed", "portal_id", p.id, "peer", peer, "error", err)
		}
	}
}

// handleDeparture reacts to a transport-level departure. For a host
// any admitted peer's departure is that site leaving. For a guest only
// the host matters: its departure ends the session.
func (p *Portal) handleDeparture(peer string) {
	if p.IsHost() {
		p.removeSiteByPeer(peer)
		return
	}
	if peer != p.hostPeerID {
		return
	}

	p.mu.Lock()
	if p.state == StateJoining {
		p.resolveJoinLocked(fmt.Errorf("host %s disconnected during join", p.hostPeerID))
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.hostTerminal(false)
}

// hostTerminal ends the session as seen by a guest, for exactly one of
// the two terminal signals: the host's close announcement (closed
// true) or the loss of the host's link (closed false). Membership
// collapses to the local site alone with no per-site leave events, and
// the portal disposes itself without sending a goodbye.
func (p *Portal) hostTerminal(closed bool) {
	if p.IsHost() {
		return
	}
	p.mu.Lock()
	if p.state != StateActive || p.closedSignal {
		p.mu.Unlock()
		return
	}
	p.closedSignal = true
	p.state = StateDisposed
	p.activeSiteIDs = map[SiteID]struct{}{p.localSiteID: {}}
	delegate := p.delegate
	p.mu.Unlock()

	p.sub.Cancel()
	if closed {
		p.logger.Info("host closed portal", "portal_id", p.id)
		if delegate != nil {
			delegate.HostDidClosePortal()
		}
	} else {
		p.logger.Warn("lost connection to host", "portal_id", p.id)
		if delegate != nil {
			delegate.HostDidLoseConnection()
		}
	}
}
