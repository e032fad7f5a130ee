// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"math"
	"time"

	"github.com/bureau-foundation/signaling/lib/codec"
)

// Message is a delivered message. Exactly one of Topic and Index is
// set: Topic for topic messages, Index (always at least 1) for inbox
// messages.
type Message struct {
	Payload   []byte `cbor:"0,keyasint"`
	Sender    []byte `cbor:"1,keyasint"`
	Topic     []byte `cbor:"2,keyasint,omitempty"`
	Index     uint64 `cbor:"3,keyasint,omitempty"`
	SentAt    uint64 `cbor:"4,keyasint"`
	ExpiresAt uint64 `cbor:"5,keyasint"`
}

// ErrorEntry is one element of a server frame's errors list.
type ErrorEntry struct {
	Message string `cbor:"0,keyasint"`
}

// ServerFrame is every frame the relay sends. The init response sets
// SessionID, RecoveryKey and the advertised limits; delivery frames set
// Messages; either may carry Errors.
type ServerFrame struct {
	Errors         []ErrorEntry `cbor:"0,keyasint,omitempty"`
	SessionID      []byte       `cbor:"1,keyasint,omitempty"`
	RecoveryKey    []byte       `cbor:"2,keyasint,omitempty"`
	Messages       []Message    `cbor:"3,keyasint,omitempty"`
	MaxExpiration  uint64       `cbor:"10,keyasint,omitempty"`
	MaxMessageSize uint64       `cbor:"11,keyasint,omitempty"`
}

// IsInit reports whether f is an init response.
func (f ServerFrame) IsInit() bool { return len(f.SessionID) > 0 }

// EncodeServerFrame encodes f for the wire.
func EncodeServerFrame(f ServerFrame) ([]byte, error) {
	return codec.Marshal(f)
}

// DecodeServerFrame decodes a frame received from the relay.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var frame ServerFrame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return ServerFrame{}, &DecodeError{Err: err}
	}
	return frame, nil
}

// ClientFrame is one of InitFrame, SendFrame, AcknowledgeFrame,
// SubscribeFrame or UnsubscribeFrame.
type ClientFrame interface {
	clientFrame()
}

// InitFrame opens a new session (nil RecoveryKey) or recovers one.
type InitFrame struct {
	RecoveryKey []byte
}

// SendFrame carries the valid messages of a send frame. Messages that
// failed validation are listed in Rejected and must be reported back
// without affecting the others.
type SendFrame struct {
	Messages []OutgoingMessage
	Rejected []error
}

// OutgoingMessage is a message a client asks the relay to retain.
// Exactly one of Recipient (an inbox) and Topic is non-nil.
type OutgoingMessage struct {
	// Payload is nil when Unsend is set.
	Payload []byte

	// Unsend removes the sender's retained message for the recipient.
	Unsend bool

	Recipient []byte
	Topic     []byte

	// ExpiresAt is the requested expiry; zero requests the maximum.
	ExpiresAt time.Time
}

// IsInbox reports whether m is addressed to a session inbox.
func (m OutgoingMessage) IsInbox() bool { return m.Recipient != nil }

// AcknowledgeFrame acknowledges inbox messages up to and including
// Index.
type AcknowledgeFrame struct {
	Index uint64
}

// SubscribeFrame requests a topic snapshot and, if Continuous, live
// delivery of later messages.
type SubscribeFrame struct {
	Topic []byte

	// MaxBacklog is the client's bound on the snapshot; zero means
	// none.
	MaxBacklog int

	// Oldest excludes snapshot messages sent before it; zero means no
	// bound.
	Oldest time.Time

	Continuous bool
}

// UnsubscribeFrame stops live delivery for Topic.
type UnsubscribeFrame struct {
	Topic []byte
}

func (InitFrame) clientFrame()        {}
func (SendFrame) clientFrame()        {}
func (AcknowledgeFrame) clientFrame() {}
func (SubscribeFrame) clientFrame()   {}
func (UnsubscribeFrame) clientFrame() {}

// UnixSeconds converts t to the wire's Unix-seconds form. Times before
// the epoch become 0.
func UnixSeconds(t time.Time) uint64 {
	seconds := t.Unix()
	if seconds < 0 {
		return 0
	}
	return uint64(seconds)
}

// FromUnixSeconds converts a wire timestamp to a time.Time.
func FromUnixSeconds(seconds uint64) time.Time {
	if seconds > math.MaxInt64 {
		seconds = math.MaxInt64
	}
	return time.Unix(int64(seconds), 0)
}
