// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import (
	"bytes"
	"testing"
	"time"

	"github.com/atrium-collab/atrium/lib/testutil"
	"github.com/atrium-collab/atrium/transport"
)

func TestProxyID_String(t *testing.T) {
	id := ProxyID{Site: 3, Seq: 17}
	if got := id.String(); got != "3.17" {
		t.Errorf("String() = %q, want 3.17", got)
	}
	if id.IsZero() {
		t.Error("IsZero() = true for a populated ID")
	}
	if !(ProxyID{}).IsZero() {
		t.Error("IsZero() = false for the zero ID")
	}
}

// TestBufferProxy_Lifecycle verifies creation, content access, and
// idempotent disposal of a local buffer proxy.
func TestBufferProxy_Lifecycle(t *testing.T) {
	hub := transport.NewMemoryHub()
	hosted, _ := newTestHostPortal(t, hub, "host")

	buffer, err := hosted.CreateBufferProxy("lib/util.go", []byte("package lib"))
	if err != nil {
		t.Fatalf("CreateBufferProxy() error: %v", err)
	}
	if got := buffer.ID().Site; got != HostSiteID {
		t.Errorf("buffer ID site = %d, want %d", got, HostSiteID)
	}
	if buffer.ID().Seq == 0 {
		t.Error("buffer ID seq = 0, want allocated")
	}
	if got := buffer.URI(); got != "lib/util.go" {
		t.Errorf("URI() = %q", got)
	}
	if got := buffer.Content(); !bytes.Equal(got, []byte("package lib")) {
		t.Errorf("Content() = %q", got)
	}

	buffer.SetContent([]byte("package lib // revised"))
	if got := buffer.Content(); !bytes.Equal(got, []byte("package lib // revised")) {
		t.Errorf("Content() after SetContent = %q", got)
	}

	buffer.Dispose()
	if !buffer.Disposed() {
		t.Error("Disposed() = false after Dispose")
	}
	buffer.Dispose()

	if _, err := hosted.CreateEditorProxy(buffer); err == nil {
		t.Fatal("CreateEditorProxy() accepted a disposed buffer")
	}
}

// TestEditorProxy_Lifecycle verifies editor creation and its buffer
// binding.
func TestEditorProxy_Lifecycle(t *testing.T) {
	hub := transport.NewMemoryHub()
	hosted, _ := newTestHostPortal(t, hub, "host")

	buffer, err := hosted.CreateBufferProxy("file.txt", nil)
	if err != nil {
		t.Fatalf("CreateBufferProxy() error: %v", err)
	}
	editor, err := hosted.CreateEditorProxy(buffer)
	if err != nil {
		t.Fatalf("CreateEditorProxy() error: %v", err)
	}
	if editor.Buffer() != buffer {
		t.Error("Buffer() is not the buffer the editor was created with")
	}
	if editor.ID() == buffer.ID() {
		t.Error("editor and buffer share a proxy ID")
	}

	editor.Dispose()
	if !editor.Disposed() {
		t.Error("Disposed() = false after Dispose")
	}
	editor.Dispose()
	// Disposing the editor leaves its buffer alive.
	if buffer.Disposed() {
		t.Error("buffer disposed by editor disposal")
	}
}

func TestCreateEditorProxy_NilBuffer(t *testing.T) {
	hub := transport.NewMemoryHub()
	hosted, _ := newTestHostPortal(t, hub, "host")
	if _, err := hosted.CreateEditorProxy(nil); err == nil {
		t.Fatal("CreateEditorProxy(nil) succeeded, want error")
	}
}

// TestProxy_CreateRequiresActivePortal verifies that proxies cannot be
// created before a guest joins or after disposal.
func TestProxy_CreateRequiresActivePortal(t *testing.T) {
	hub := transport.NewMemoryHub()
	newTestHostPortal(t, hub, "host")
	guest, _ := newUnjoinedGuest(t, hub, "guest-1", "host")

	if _, err := guest.CreateBufferProxy("file.txt", nil); err == nil {
		t.Fatal("CreateBufferProxy() succeeded on an unjoined guest")
	}
}

// TestProxy_DisposalPropagatesAcrossSites verifies that any site may
// dispose a proxy: a guest disposing its replica tombstones the
// original on the host.
func TestProxy_DisposalPropagatesAcrossSites(t *testing.T) {
	hub := transport.NewMemoryHub()
	hosted, _ := newTestHostPortal(t, hub, "host")
	guest, _ := newJoinedGuest(t, hub, "guest-1", "host")
	guestDelegate := newRecordingDelegate()
	guest.SetDelegate(guestDelegate)

	buffer, err := hosted.CreateBufferProxy("file.txt", []byte("content"))
	if err != nil {
		t.Fatalf("CreateBufferProxy() error: %v", err)
	}
	editor, err := hosted.CreateEditorProxy(buffer)
	if err != nil {
		t.Fatalf("CreateEditorProxy() error: %v", err)
	}
	if err := hosted.SetActiveEditorProxy(editor); err != nil {
		t.Fatalf("SetActiveEditorProxy() error: %v", err)
	}
	replica := testutil.RequireReceive(t, guestDelegate.editors, 5*time.Second, "editor event")

	replica.Dispose()
	if !replica.Disposed() {
		t.Error("replica Disposed() = false after Dispose")
	}
	testutil.RequireEventually(t, func() bool {
		return editor.Disposed()
	}, 5*time.Second, "original editor was not tombstoned on the host")
}

// TestProxy_DisposeAfterPortalDisposal verifies that disposing a proxy
// on a disposed portal retires it locally without touching the wire.
func TestProxy_DisposeAfterPortalDisposal(t *testing.T) {
	hub := transport.NewMemoryHub()
	hosted, hostNetwork := newTestHostPortal(t, hub, "host")

	buffer, err := hosted.CreateBufferProxy("file.txt", nil)
	if err != nil {
		t.Fatalf("CreateBufferProxy() error: %v", err)
	}
	hosted.Dispose()

	sentBefore := hostNetwork.FramesSent()
	buffer.Dispose()
	if !buffer.Disposed() {
		t.Error("Disposed() = false after local disposal")
	}
	if sent := hostNetwork.FramesSent(); sent != sentBefore {
		t.Errorf("FramesSent() = %d, want %d (no disposal announcement)", sent, sentBefore)
	}
}
