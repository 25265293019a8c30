// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now()
// when tests need identifiers that must be distinguishable across
// parallel subtests, such as portal IDs or editor URIs.
//
//	portalID := testutil.UniqueID("portal")  // "portal-1", "portal-2", ...
//	uri := testutil.UniqueID("atrium://buf") // "atrium://buf-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
