// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is a Go client of the signaling relay.
//
// [Dial] connects, sends the init frame and waits for the init
// response, so a returned [Client] is already bound to a session. Keep
// [Client.RecoveryKey] to resume the session on a later connection:
// retained messages and unacknowledged inbox messages survive the
// reconnect.
//
// Frames after the init response arrive on [Client.Frames]. Errors in
// those frames belong to earlier requests of this client; the relay
// does not correlate them further.
package client
