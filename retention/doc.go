// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package retention stores the messages the relay holds for later
// delivery.
//
// Retention is keyed by (sender, recipient), where a recipient is a
// topic or a session's inbox, and each key holds at most one message.
// A new message from the same sender to the same recipient replaces
// the previous one whatever its state; an unsend (nil payload) deletes
// it. Nothing is ever queued behind anything else.
//
// Messages expire at an absolute time no later than MaxExpiration
// after they were sent. Reads filter and delete expired messages on
// the spot, so correctness never depends on the background [Store.Sweep]
// having run.
//
// Recipients are spread over shards by hash. Within a recipient,
// senders are kept in an LRU list ordered by their last update, which
// is the order [Store.Get] returns them in. The LRU capacity bounds how
// many senders one recipient may accumulate.
package retention
