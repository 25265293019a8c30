// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package portal

// Delegate receives a Portal's outward events. A Portal holds at most
// one delegate; SetDelegate replaces it. A nil delegate drops events.
//
// Callbacks are invoked from the portal's receive goroutine without
// the portal's lock held, so a delegate may call back into the portal.
// Each callback fires at most once per logical event: one SiteDidLeave
// per departed site regardless of how many ways the departure was
// observed, and exactly one of HostDidClosePortal or
// HostDidLoseConnection over a guest portal's lifetime.
type Delegate interface {
	// SiteDidJoin reports a remote site becoming active, including
	// sites discovered during the local site's own join.
	SiteDidJoin(site SiteID)

	// SiteDidLeave reports a remote site leaving the session. The
	// site's identity remains resolvable for attribution.
	SiteDidLeave(site SiteID)

	// HostDidClosePortal reports the host deliberately ending the
	// session. Guest portals only.
	HostDidClosePortal()

	// HostDidLoseConnection reports the link to the host dropping
	// without a preceding close announcement. Guest portals only.
	HostDidLoseConnection()

	// ActiveEditorProxyDidChange reports adoption of a new active
	// editor. A nil editor means no editor is active. Fires only on
	// actual change, never for the local site's own SetActiveEditorProxy.
	ActiveEditorProxyDidChange(editor *EditorProxy)
}
