// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport establishes WebRTC data channels between two
// peers that meet through the signaling relay.
//
// A [Signaler] carries session descriptions between peers. The
// production implementation, [RelaySignaler], sends each offer or
// answer to the other peer's relay inbox and uses a retained topic
// message as a rendezvous point: one peer announces itself on a topic,
// the other discovers it there. [MemoryHub] provides in-process
// signalers for tests.
//
// The signaling model is vanilla ICE: all candidates are gathered
// before a description is sent, so establishing a link takes exactly
// one offer and one answer. Descriptions are zstd-compressed and
// CBOR-framed to fit the relay's message size bound.
//
// [Endpoint] drives pion/webrtc through the handshake. [Endpoint.Dial]
// sends an offer and waits for the answer; [Endpoint.Accept] waits for
// an offer and answers it. Both return a [Link] whose data channel is
// exposed as a net.Conn by [DataChannelConn].
package transport
