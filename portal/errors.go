// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package portal

import "errors"

// ErrNotSignedIn is returned by BindingManager operations that require
// a resolved local identity before any portal can be hosted or joined.
var ErrNotSignedIn = errors.New("portal: not signed in")

// ErrPortalDisposed is returned by operations that need a live portal,
// such as creating proxies or joining.
var ErrPortalDisposed = errors.New("portal: portal disposed")

// ErrNotGuest is returned by Join on a host portal. Hosts are active
// from creation and have nothing to join.
var ErrNotGuest = errors.New("portal: not a guest portal")

// ErrManagerDisposed is returned by BindingManager operations after
// Dispose.
var ErrManagerDisposed = errors.New("portal: binding manager disposed")

// ErrPortalNotFound is returned by Directory.Lookup when no host is
// registered under the given portal ID.
var ErrPortalNotFound = errors.New("portal: portal not found")

// JoinDeniedError reports that the host refused a join request. The
// reason is the host's, verbatim: protocol version mismatch or a
// portal that stopped accepting guests.
type JoinDeniedError struct {
	Reason string
}

func (e *JoinDeniedError) Error() string {
	return "portal: join denied: " + e.Reason
}
