// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the relay's tests.
//
// [RequireReceive], [RequireSend], [RequireClosed] and
// [RequireEventually] wrap a wait in a wall-clock deadline so a broken
// test fails instead of hanging. They are the only real timeouts in the test suite; time
// inside the code under test comes from lib/clock.
//
// [UniqueID] produces distinct, readable identifiers for payloads and
// topics that tests need to tell apart.
//
// Helpers fail the test with Fatalf rather than returning errors.
package testutil
