// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns session identity, recovery keys, and session
// lifetime.
//
// A session is created by [Table.Open] and later reclaimed with the
// recovery key issued alongside it. Every successful [Table.Recover]
// rotates the key: the previous key stops working the moment a new one
// is issued. The table keeps only a keyed BLAKE3 digest of the current
// key, so a dump of the table cannot be replayed as credentials.
//
// A session lives while a connection is bound to it and for one TTL
// after the last connection went away. [Table.Expire] removes sessions
// whose TTL has elapsed and returns their IDs so the caller can cascade
// the deletion to retained messages and subscriptions. Recover also
// notices a lapsed session on its own and queues it for the next
// Expire, so an expired session is never recovered even if no sweep
// has run yet.
//
// The table also holds the inbox counters of each session: the next
// index to assign and the highest index acknowledged.
package session
