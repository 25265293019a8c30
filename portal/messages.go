// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"fmt"

	"github.com/atrium-collab/atrium/identity"
	"github.com/atrium-collab/atrium/lib/codec"
)

// ProtocolVersion is the portal wire protocol version. A host denies
// join requests carrying any other version; there is no negotiation.
const ProtocolVersion = 1

// channelPrefix namespaces portal traffic on the shared transport.
// Every message of a session travels on "portal/" + portal ID, so
// multiple sessions coexist on one Network without seeing each other.
const channelPrefix = "portal/"

func portalChannel(portalID string) string {
	return channelPrefix + portalID
}

// messageType discriminates the envelope.
type messageType string

const (
	msgJoinRequest   messageType = "join-request"
	msgJoinWelcome   messageType = "join-welcome"
	msgJoinDenied    messageType = "join-denied"
	msgSiteJoined    messageType = "site-joined"
	msgSiteLeaving   messageType = "site-leaving"
	msgSiteLeft      messageType = "site-left"
	msgEditorUpdate  messageType = "editor-update"
	msgProxyDisposed messageType = "proxy-disposed"
	msgPortalClosed  messageType = "portal-closed"
)

// envelope wraps every portal message. Body holds the type-specific
// payload, raw so the host can relay frames without re-encoding.
type envelope struct {
	Type messageType      `cbor:"type"`
	Body codec.RawMessage `cbor:"body,omitempty"`
}

// joinRequestBody is sent by a guest to the host after connecting.
type joinRequestBody struct {
	ProtocolVersion int               `cbor:"protocol_version"`
	Identity        identity.Identity `cbor:"identity"`
}

// siteInfo is one site's entry in a join welcome. Active false means
// the site has already left; its identity rides along so late joiners
// can attribute history.
type siteInfo struct {
	SiteID   SiteID            `cbor:"site_id"`
	Identity identity.Identity `cbor:"identity"`
	Active   bool              `cbor:"active"`
}

// joinWelcomeBody carries the session state a joining guest needs:
// its assigned site ID, the membership roster, and the current active
// editor (nil when none is active).
type joinWelcomeBody struct {
	SiteID       SiteID     `cbor:"site_id"`
	Sites        []siteInfo `cbor:"sites"`
	ActiveEditor *editorRef `cbor:"active_editor,omitempty"`
}

type joinDeniedBody struct {
	Reason string `cbor:"reason"`
}

type siteJoinedBody struct {
	SiteID   SiteID            `cbor:"site_id"`
	Identity identity.Identity `cbor:"identity"`
}

type siteLeftBody struct {
	SiteID SiteID `cbor:"site_id"`
}

// editorRef names an editor on the wire and embeds enough metadata to
// materialize it (and its buffer) on a site that has never seen
// either. Content is the buffer snapshot, compressed.
type editorRef struct {
	EditorID ProxyID          `cbor:"editor_id"`
	BufferID ProxyID          `cbor:"buffer_id"`
	URI      string           `cbor:"uri"`
	Content  codec.Compressed `cbor:"content"`
}

// editorUpdateBody broadcasts an active-editor change. A nil Editor is
// the null marker: no editor is active.
type editorUpdateBody struct {
	OriginSiteID SiteID     `cbor:"origin_site_id"`
	Editor       *editorRef `cbor:"editor,omitempty"`
}

type proxyDisposedBody struct {
	Kind    proxyKind `cbor:"kind"`
	ProxyID ProxyID   `cbor:"proxy_id"`
}

// encodeMessage builds one wire frame: CBOR body inside a CBOR
// envelope.
func encodeMessage(msgType messageType, body any) ([]byte, error) {
	encodedBody, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", msgType, err)
	}
	frame, err := codec.Marshal(envelope{Type: msgType, Body: encodedBody})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", msgType, err)
	}
	return frame, nil
}

// decodeBody unpacks an envelope's body into the expected shape.
func decodeBody[T any](env envelope) (T, error) {
	var body T
	if err := codec.Unmarshal(env.Body, &body); err != nil {
		return body, fmt.Errorf("decoding %s body: %w", env.Type, err)
	}
	return body, nil
}
