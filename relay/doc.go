// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay serves the signaling protocol over WebSocket.
//
// A [Relay] owns the session table, the retention store, the
// subscription manager and the inbox sequencer, and binds each live
// session to at most one connection. [Relay.Handler] upgrades HTTP
// requests; each upgraded connection runs a reader goroutine that
// decodes and dispatches client frames and a writer goroutine that
// drains the connection's outbox into server frames.
//
// A connection starts unbound. Its first useful frame is an init frame
// that opens or recovers a session; the response carries the session
// ID, the next recovery key, the inbox backlog and the advertised
// limits. Per-operation errors never end a connection: they ride in
// the errors field of the next frame sent to the same client. Only a
// frame that is not well-formed CBOR closes it.
//
// Delivery never blocks a publisher. Each connection queues batches in
// a bounded outbox; when the outbox is full the configured
// backpressure policy either disconnects the connection (close status
// 4008) or drops its oldest queued batches.
//
// When a session is recovered while another connection still holds
// it, the duplicate policy either evicts the old connection (close
// status 4000) or refuses the new one.
//
// [Relay.Run] drives expiry: on every sweep interval it expires
// sessions past their TTL, drops their subscriptions and retained
// messages, and removes expired messages.
package relay
