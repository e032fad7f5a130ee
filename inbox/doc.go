// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package inbox implements per-session point-to-point delivery.
//
// Each message sent to a session's inbox gets the next index of that
// session. Indices only grow: replacing or unsending a message never
// reuses one, because an index orders deliveries rather than naming a
// message. A client acknowledges everything up to an index; the
// acknowledged messages are deleted and are not replayed on the next
// connection.
//
// Index allocation, storage and live delivery for one recipient all
// happen under that recipient's lock, so a connected recipient always
// sees its inbox in index order, and a connection attaching to the
// inbox gets a backlog that joins up exactly with what is delivered
// live afterwards.
package inbox
