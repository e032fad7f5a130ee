// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// signaling-relay serves the signaling relay over WebSocket.
//
// Configuration comes from the YAML file named by --config or the
// SIGNALING_CONFIG environment variable; without either, built-in
// defaults apply. Flags override individual file settings.
//
// TLS is served from a certificate pair (--tls-cert, --tls-key) or
// from ACME certificates obtained for --autocert-domain. Without
// either the relay listens in plain HTTP, which suits a deployment
// behind a terminating proxy.
//
// GET /healthz reports relay counters as JSON. SIGINT or SIGTERM
// closes every connection with status 1001 and exits once they are
// gone or the shutdown timeout passes.
package main
