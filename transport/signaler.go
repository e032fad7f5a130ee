// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
)

// SignalKind distinguishes offers from answers.
type SignalKind uint8

const (
	Offer  SignalKind = 1
	Answer SignalKind = 2
)

func (k SignalKind) String() string {
	switch k {
	case Offer:
		return "offer"
	case Answer:
		return "answer"
	default:
		return fmt.Sprintf("SignalKind(%d)", uint8(k))
	}
}

// Signal is one session description exchanged between peers.
type Signal struct {
	Kind SignalKind

	// From is the sender's identity. Set on received signals only.
	From string

	// SDP is the complete session description with every ICE
	// candidate embedded.
	SDP string
}

// ErrClosed is returned by Receive after the signaler is closed.
var ErrClosed = errors.New("transport: signaler closed")

// Signaler exchanges session descriptions with peers.
type Signaler interface {
	// Identity is the address peers use to reach this signaler.
	Identity() string

	// Send delivers signal to the peer with the given identity.
	Send(ctx context.Context, peer string, signal Signal) error

	// Receive blocks until a signal arrives.
	Receive(ctx context.Context) (Signal, error)
}
