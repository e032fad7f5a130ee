// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// signaling-probe checks a signaling relay end to end.
//
// It opens two sessions on the relay, has one announce itself on a
// rendezvous topic and the other discover it there, negotiates a
// WebRTC data channel between them through the sessions' inboxes, and
// echoes a message over the channel. Success proves that sessions,
// topic retention, inbox delivery and acknowledgement all work for a
// real offer/answer exchange.
//
// With --health the probe also fetches the relay's /healthz counters.
package main
