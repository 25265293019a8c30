// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Atrium packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls.
// [RequireNoReceive] is the inverse: it asserts a channel stays silent
// for a quiet window, which is how tests pin down operations that must
// produce no delegate events.
//
// [RequireEventually] polls a condition until it holds. Prefer the
// channel-based helpers where the code under test offers channels;
// polling exists for convergence checks over state that tests can only
// sample.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation. Use it instead of time.Now() when tests need unique
// portal IDs, peer names, or editor URIs distinguishable across
// parallel subtests.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no Atrium-internal dependencies.
package testutil
