// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"fmt"
	"sync"
)

// ProxyID identifies a shared proxy across all sites of a session.
// The creating site allocates the sequence number from a local
// counter, so IDs are globally unique without coordination and remain
// stable for the proxy's whole life: wire references, tombstones, and
// lazy materialization all key on the ProxyID.
type ProxyID struct {
	Site SiteID `cbor:"site"`
	Seq  uint32 `cbor:"seq"`
}

// IsZero reports whether the ID is the zero value, which never names a
// real proxy.
func (id ProxyID) IsZero() bool {
	return id == ProxyID{}
}

func (id ProxyID) String() string {
	return fmt.Sprintf("%d.%d", id.Site, id.Seq)
}

// proxyKind discriminates proxy references on the wire.
type proxyKind string

const (
	proxyKindBuffer proxyKind = "buffer"
	proxyKindEditor proxyKind = "editor"
)

// BufferProxy is a lifecycle-managed handle to a shared document. The
// content is an opaque snapshot; synchronizing edits within it is not
// this package's concern. Any site may create a buffer proxy; remote
// sites materialize a replica lazily from the first message that
// references it.
type BufferProxy struct {
	portal *Portal
	id     ProxyID
	uri    string

	mu       sync.Mutex
	content  []byte
	disposed bool
}

// ID returns the proxy's session-wide identifier.
func (b *BufferProxy) ID() ProxyID {
	return b.id
}

// URI identifies the backing document.
func (b *BufferProxy) URI() string {
	return b.uri
}

// Content returns the current snapshot.
func (b *BufferProxy) Content() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content
}

// SetContent replaces the local snapshot. Content changes propagate to
// other sites only through editor snapshots, not on their own.
func (b *BufferProxy) SetContent(content []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.content = content
}

// Disposed reports whether the proxy has been disposed, locally or by
// a remote site.
func (b *BufferProxy) Disposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// Dispose retires the proxy in the whole session: the local replica is
// tombstoned and every other site is told to do the same. Final; the
// ID never resolves to a live object again. Idempotent, and a no-op on
// a disposed portal.
func (b *BufferProxy) Dispose() {
	b.portal.disposeProxy(proxyKindBuffer, b.id)
}

// markDisposed flips the proxy's flag. Called by the portal with its
// registry already updated.
func (b *BufferProxy) markDisposed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposed = true
}

// EditorProxy is a lifecycle-managed handle to a shared view of a
// buffer. The buffer reference is non-owning: disposing the editor
// leaves the buffer alive, and vice versa.
type EditorProxy struct {
	portal *Portal
	id     ProxyID
	buffer *BufferProxy

	mu       sync.Mutex
	disposed bool
}

// ID returns the proxy's session-wide identifier.
func (e *EditorProxy) ID() ProxyID {
	return e.id
}

// Buffer returns the buffer this editor views. The buffer may itself
// be disposed.
func (e *EditorProxy) Buffer() *BufferProxy {
	return e.buffer
}

// Disposed reports whether the proxy has been disposed, locally or by
// a remote site.
func (e *EditorProxy) Disposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// Dispose retires the editor in the whole session. Final and
// idempotent. The active-editor pointer is never implicitly cleared by
// disposal; it changes only through the broadcast protocol.
func (e *EditorProxy) Dispose() {
	e.portal.disposeProxy(proxyKindEditor, e.id)
}

func (e *EditorProxy) markDisposed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed = true
}
