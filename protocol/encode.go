// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/bureau-foundation/signaling/lib/codec"
)

// EncodeClientFrame encodes a client frame for the wire. It performs no
// validation; the relay is the authority on limits.
func EncodeClientFrame(frame ClientFrame) ([]byte, error) {
	var fields map[uint64]any

	switch frame := frame.(type) {
	case InitFrame:
		var key any
		if frame.RecoveryKey != nil {
			key = frame.RecoveryKey
		}
		fields = map[uint64]any{keyRecoveryKey: key}

	case SendFrame:
		messages := make([]map[uint64]any, 0, len(frame.Messages))
		for _, message := range frame.Messages {
			encoded := map[uint64]any{keyPayload: nil}
			if !message.Unsend {
				payload := message.Payload
				if payload == nil {
					payload = []byte{}
				}
				encoded[keyPayload] = payload
			}
			if message.IsInbox() {
				encoded[keyRecipient] = message.Recipient
			} else {
				encoded[keyTopic] = message.Topic
			}
			if !message.ExpiresAt.IsZero() {
				encoded[keyExpiresAt] = UnixSeconds(message.ExpiresAt)
			}
			messages = append(messages, encoded)
		}
		fields = map[uint64]any{keyMessages: messages}

	case AcknowledgeFrame:
		fields = map[uint64]any{keyMessages: frame.Index}

	case SubscribeFrame:
		fields = map[uint64]any{
			keyTopic:      nonNilBytes(frame.Topic),
			keyContinuous: frame.Continuous,
		}
		if frame.MaxBacklog > 0 {
			fields[keyMaxBacklog] = uint64(frame.MaxBacklog)
		}
		if !frame.Oldest.IsZero() {
			fields[keyOldest] = UnixSeconds(frame.Oldest)
		}

	case UnsubscribeFrame:
		fields = map[uint64]any{
			keyTopic:  nonNilBytes(frame.Topic),
			keyOldest: false,
		}

	default:
		return nil, fmt.Errorf("protocol: cannot encode client frame of type %T", frame)
	}

	return codec.Marshal(fields)
}

func nonNilBytes(value []byte) []byte {
	if value == nil {
		return []byte{}
	}
	return value
}
