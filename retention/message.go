// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retention

import (
	"time"

	"github.com/bureau-foundation/signaling/protocol"
)

// Kind distinguishes topic recipients from inbox recipients. A topic
// and an inbox with identical bytes are different recipients.
type Kind uint8

const (
	Topic Kind = iota + 1
	Inbox
)

func (k Kind) String() string {
	switch k {
	case Topic:
		return "topic"
	case Inbox:
		return "inbox"
	default:
		return "unknown"
	}
}

// Recipient names a topic or a session inbox.
type Recipient struct {
	Kind Kind
	Key  string
}

// TopicRecipient returns the recipient for topic.
func TopicRecipient(topic []byte) Recipient {
	return Recipient{Kind: Topic, Key: string(topic)}
}

// InboxRecipient returns the recipient for a session's inbox.
func InboxRecipient(sessionID string) Recipient {
	return Recipient{Kind: Inbox, Key: sessionID}
}

// Message is a retained message.
type Message struct {
	Sender    string
	Recipient Recipient

	// Payload is nil for an unsend.
	Payload []byte

	SentAt    time.Time
	ExpiresAt time.Time

	// Index orders inbox messages; zero for topics.
	Index uint64

	// Version increases with every committed Put across the store.
	Version uint64
}

// Unsend reports whether m removes its slot instead of filling it.
func (m Message) Unsend() bool { return m.Payload == nil }

// ExpiredAt reports whether m is expired at now.
func (m Message) ExpiredAt(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// Wire converts m to its delivered form.
func (m Message) Wire() protocol.Message {
	wire := protocol.Message{
		Payload:   m.Payload,
		Sender:    []byte(m.Sender),
		SentAt:    protocol.UnixSeconds(m.SentAt),
		ExpiresAt: protocol.UnixSeconds(m.ExpiresAt),
	}
	if m.Recipient.Kind == Topic {
		wire.Topic = []byte(m.Recipient.Key)
	} else {
		wire.Index = m.Index
	}
	return wire
}

// WireAll converts a batch of messages.
func WireAll(messages []Message) []protocol.Message {
	if len(messages) == 0 {
		return nil
	}
	wire := make([]protocol.Message, len(messages))
	for i, message := range messages {
		wire[i] = message.Wire()
	}
	return wire
}
