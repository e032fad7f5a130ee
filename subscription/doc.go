// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package subscription routes topic messages to live connections.
//
// A subscribe always starts with a snapshot: the messages currently
// retained for the topic, filtered by the client's oldest and
// maxBacklog bounds. A continuous subscription then receives every
// message committed to the topic afterwards. The snapshot is taken and
// the subscription registered while the topic's retention lock is
// held, so each later message is seen exactly once, either in the
// snapshot or live.
//
// Subscriptions belong to a connection, not to a session: they are
// dropped when the connection goes away and a reconnecting client
// subscribes again, receiving a fresh snapshot. The manager holds
// [Sink] references for routing only; it never owns a connection.
package subscription
