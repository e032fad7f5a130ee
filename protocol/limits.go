// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"time"
)

// SessionIDSize is the length of every server-issued session ID.
const SessionIDSize = 16

// RecoveryKeySize is the length of every server-issued recovery key.
const RecoveryKeySize = 32

// Limits are the bounds the relay enforces regardless of what clients
// request. MaxExpiration and MaxMessageSize are advertised to clients
// in the init response.
type Limits struct {
	// MaxMessageSize bounds a message payload in bytes.
	MaxMessageSize int

	// MaxTopicSize bounds a topic name in bytes.
	MaxTopicSize int

	// MaxExpiration bounds how long after sending a message stays
	// retained. Longer requests are clamped.
	MaxExpiration time.Duration

	// SessionTTL is how long a session with no bound connection
	// survives after it was last seen.
	SessionTTL time.Duration

	// MaxSubscriptions bounds the continuous topic subscriptions of a
	// single session.
	MaxSubscriptions int

	// MaxBacklog bounds the snapshot delivered on subscribe. Client
	// requests above it are clamped.
	MaxBacklog int

	// MaxMessagesPerFrame bounds the messages in one send frame.
	MaxMessagesPerFrame int

	// MaxSendersPerRecipient bounds the retention slots a single topic
	// or inbox may hold. When full, the least recently updated sender's
	// slot is evicted.
	MaxSendersPerRecipient int
}

// DefaultLimits returns the limits advertised by the public relay.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageSize:         1024,
		MaxTopicSize:           1024,
		MaxExpiration:          5 * time.Minute,
		SessionTTL:             time.Hour,
		MaxSubscriptions:       100,
		MaxBacklog:             100,
		MaxMessagesPerFrame:    32,
		MaxSendersPerRecipient: 4096,
	}
}

// MaxFrameSize is the largest client frame these limits can produce,
// with headroom for CBOR framing. Used as the WebSocket read limit.
func (l Limits) MaxFrameSize() int64 {
	const perMessageOverhead = 64
	perMessage := l.MaxMessageSize + l.MaxTopicSize + perMessageOverhead
	return int64(l.MaxMessagesPerFrame*perMessage + perMessageOverhead)
}

// Validate reports the first non-positive limit.
func (l Limits) Validate() error {
	checks := []struct {
		name  string
		value int64
	}{
		{"max_message_size", int64(l.MaxMessageSize)},
		{"max_topic_size", int64(l.MaxTopicSize)},
		{"max_expiration", int64(l.MaxExpiration)},
		{"session_ttl", int64(l.SessionTTL)},
		{"max_subscriptions", int64(l.MaxSubscriptions)},
		{"max_backlog", int64(l.MaxBacklog)},
		{"max_messages_per_frame", int64(l.MaxMessagesPerFrame)},
		{"max_senders_per_recipient", int64(l.MaxSendersPerRecipient)},
	}
	for _, check := range checks {
		if check.value <= 0 {
			return fmt.Errorf("limits: %s must be positive, got %d", check.name, check.value)
		}
	}
	return nil
}

// ClampExpiry returns the effective expiry of a message sent at sentAt
// with the requested expiry. A zero request means the maximum.
func (l Limits) ClampExpiry(sentAt, requested time.Time) time.Time {
	latest := sentAt.Add(l.MaxExpiration)
	if requested.IsZero() || requested.After(latest) {
		return latest
	}
	return requested
}

// ClampBacklog returns the effective snapshot size for a requested
// maxBacklog. Zero means no client bound.
func (l Limits) ClampBacklog(requested int) int {
	if requested <= 0 || requested > l.MaxBacklog {
		return l.MaxBacklog
	}
	return requested
}
