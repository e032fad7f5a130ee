// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"math"

	"github.com/bureau-foundation/signaling/lib/codec"
)

// Client frame keys.
const (
	keyRecoveryKey = 0
	keyPayload     = 0
	keyRecipient   = 1
	keyTopic       = 2
	keyMessages    = 3
	keyExpiresAt   = 5
	keyMaxBacklog  = 6
	keyOldest      = 7
	keyContinuous  = 8
)

// DecodeClientFrame decodes and validates one client frame. A
// *DecodeError means the bytes were not well-formed CBOR and the
// connection must close; an *Error rejects only this frame.
func DecodeClientFrame(data []byte, limits Limits) (ClientFrame, error) {
	if err := codec.Wellformed(data); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if codec.MajorType(data) != codec.MajorMap {
		return nil, Validationf("frame must be a map")
	}

	var fields map[uint64]codec.RawMessage
	if err := codec.Unmarshal(data, &fields); err != nil {
		return nil, Validationf("frame keys must be unsigned integers")
	}

	if raw, ok := fields[keyMessages]; ok {
		switch codec.MajorType(raw) {
		case codec.MajorArray:
			return decodeSend(raw, limits)
		case codec.MajorUnsigned:
			var index uint64
			if err := codec.Unmarshal(raw, &index); err != nil {
				return nil, Validationf("acknowledge index must be an unsigned integer")
			}
			return AcknowledgeFrame{Index: index}, nil
		default:
			return nil, Validationf("field 3 must be a message list or an index")
		}
	}

	if _, ok := fields[keyTopic]; ok {
		return decodeSubscribe(fields, limits)
	}

	if raw, ok := fields[keyRecoveryKey]; ok {
		if codec.IsNull(raw) {
			return InitFrame{}, nil
		}
		key, err := decodeBytes(raw)
		if err != nil || len(key) == 0 {
			return nil, Validationf("recovery key must be null or a byte string")
		}
		return InitFrame{RecoveryKey: key}, nil
	}

	return nil, Validationf("unrecognized frame")
}

func decodeSend(raw codec.RawMessage, limits Limits) (ClientFrame, error) {
	var items []codec.RawMessage
	if err := codec.Unmarshal(raw, &items); err != nil {
		return nil, Validationf("message list is malformed")
	}
	if len(items) > limits.MaxMessagesPerFrame {
		return nil, Validationf("too many messages in one frame: %d (maximum %d)",
			len(items), limits.MaxMessagesPerFrame)
	}

	var frame SendFrame
	for _, item := range items {
		message, err := decodeOutgoing(item, limits)
		if err != nil {
			frame.Rejected = append(frame.Rejected, err)
			continue
		}
		frame.Messages = append(frame.Messages, message)
	}
	return frame, nil
}

func decodeOutgoing(raw codec.RawMessage, limits Limits) (OutgoingMessage, error) {
	if codec.MajorType(raw) != codec.MajorMap {
		return OutgoingMessage{}, Validationf("message must be a map")
	}
	var fields map[uint64]codec.RawMessage
	if err := codec.Unmarshal(raw, &fields); err != nil {
		return OutgoingMessage{}, Validationf("message keys must be unsigned integers")
	}

	var message OutgoingMessage

	payload, ok := fields[keyPayload]
	if !ok {
		return OutgoingMessage{}, Validationf("message has no payload field")
	}
	if codec.IsNull(payload) {
		message.Unsend = true
	} else {
		decoded, err := decodeBytes(payload)
		if err != nil {
			return OutgoingMessage{}, Validationf("payload must be a byte string or null")
		}
		if len(decoded) > limits.MaxMessageSize {
			return OutgoingMessage{}, Validationf("payload of %d bytes exceeds %d", len(decoded), limits.MaxMessageSize)
		}
		if decoded == nil {
			decoded = []byte{}
		}
		message.Payload = decoded
	}

	recipientRaw, hasRecipient := fields[keyRecipient]
	topicRaw, hasTopic := fields[keyTopic]
	switch {
	case hasRecipient && hasTopic:
		return OutgoingMessage{}, Validationf("message must have a session ID or a topic, not both")
	case hasRecipient:
		recipient, err := decodeBytes(recipientRaw)
		if err != nil || len(recipient) == 0 {
			return OutgoingMessage{}, Validationf("session ID must be a non-empty byte string")
		}
		if len(recipient) > SessionIDSize {
			return OutgoingMessage{}, Validationf("session ID of %d bytes exceeds %d", len(recipient), SessionIDSize)
		}
		message.Recipient = recipient
	case hasTopic:
		topic, err := decodeTopic(topicRaw, limits)
		if err != nil {
			return OutgoingMessage{}, err
		}
		message.Topic = topic
	default:
		return OutgoingMessage{}, Validationf("message needs a session ID or a topic")
	}

	if expiresRaw, ok := fields[keyExpiresAt]; ok {
		var seconds uint64
		if err := codec.Unmarshal(expiresRaw, &seconds); err != nil {
			return OutgoingMessage{}, Validationf("expiresAt must be an unsigned integer")
		}
		message.ExpiresAt = FromUnixSeconds(seconds)
	}

	return message, nil
}

func decodeSubscribe(fields map[uint64]codec.RawMessage, limits Limits) (ClientFrame, error) {
	topic, err := decodeTopic(fields[keyTopic], limits)
	if err != nil {
		return nil, err
	}

	frame := SubscribeFrame{Topic: topic}

	if raw, ok := fields[keyMaxBacklog]; ok {
		var backlog uint64
		if err := codec.Unmarshal(raw, &backlog); err != nil {
			return nil, Validationf("maxBacklog must be an unsigned integer")
		}
		if backlog > math.MaxInt32 {
			backlog = math.MaxInt32
		}
		frame.MaxBacklog = int(backlog)
	}

	if raw, ok := fields[keyOldest]; ok {
		switch codec.MajorType(raw) {
		case codec.MajorUnsigned:
			var seconds uint64
			if err := codec.Unmarshal(raw, &seconds); err != nil {
				return nil, Validationf("oldest must be an unsigned integer")
			}
			frame.Oldest = FromUnixSeconds(seconds)
		case codec.MajorSimple:
			var enabled bool
			if err := codec.Unmarshal(raw, &enabled); err != nil {
				return nil, Validationf("field 7 must be a timestamp or a boolean")
			}
			if !enabled {
				return UnsubscribeFrame{Topic: topic}, nil
			}
			frame.Continuous = true
		default:
			return nil, Validationf("field 7 must be a timestamp or a boolean")
		}
	}

	if raw, ok := fields[keyContinuous]; ok {
		var continuous bool
		if err := codec.Unmarshal(raw, &continuous); err != nil {
			return nil, Validationf("continuous must be a boolean")
		}
		frame.Continuous = continuous
	}

	return frame, nil
}

func decodeTopic(raw codec.RawMessage, limits Limits) ([]byte, error) {
	topic, err := decodeBytes(raw)
	if err != nil {
		return nil, Validationf("topic must be a byte string")
	}
	if len(topic) == 0 {
		return nil, Validationf("topic must not be empty")
	}
	if len(topic) > limits.MaxTopicSize {
		return nil, Validationf("topic of %d bytes exceeds %d", len(topic), limits.MaxTopicSize)
	}
	return topic, nil
}

func decodeBytes(raw codec.RawMessage) ([]byte, error) {
	if codec.MajorType(raw) != codec.MajorByteString {
		return nil, errors.New("not a byte string")
	}
	var value []byte
	if err := codec.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
