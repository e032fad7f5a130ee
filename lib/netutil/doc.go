// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds listener and connection helpers shared by the
// relay and its clients.
//
// [Listen] opens the relay's TCP listener, optionally with SO_REUSEPORT
// so an old and a new relay process can accept on the same port while
// the old one drains.
//
// [IsExpectedCloseError] separates ordinary disconnects (EOF, reset,
// a normal or going-away WebSocket close) from failures worth logging.
//
// The response helpers bound HTTP body reads at [MaxResponseSize].
// They serve small JSON endpoints such as the relay's /healthz.
package netutil
