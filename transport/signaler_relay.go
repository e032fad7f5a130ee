// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/signaling/client"
	"github.com/bureau-foundation/signaling/protocol"
)

const (
	relayQueueSize = 16

	// ackTimeout bounds the acknowledgement of a consumed inbox
	// message.
	ackTimeout = 5 * time.Second
)

// announcementPayload marks a rendezvous message on a topic.
var announcementPayload = []byte("webrtc")

// RelaySignaler is a Signaler over a relay session. Signals travel to
// the peer's inbox; the peer identity is the hex-encoded session ID.
//
// RelaySignaler consumes the client's frames. Inbox messages are
// acknowledged once decoded, whether or not they held a valid signal.
type RelaySignaler struct {
	client   *client.Client
	logger   *slog.Logger
	identity string

	signals       chan Signal
	announcements chan announcement

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

type announcement struct {
	topic  []byte
	sender []byte
}

var _ Signaler = (*RelaySignaler)(nil)

// NewRelaySignaler starts consuming relayClient's frames, beginning
// with the inbox backlog of its init response. Close stops it; the
// client stays open.
func NewRelaySignaler(relayClient *client.Client, logger *slog.Logger) *RelaySignaler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &RelaySignaler{
		client:        relayClient,
		logger:        logger,
		identity:      hex.EncodeToString(relayClient.SessionID()),
		signals:       make(chan Signal, relayQueueSize),
		announcements: make(chan announcement, relayQueueSize),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *RelaySignaler) Identity() string { return s.identity }

// Send stores signal in the inbox of peer.
func (s *RelaySignaler) Send(ctx context.Context, peer string, signal Signal) error {
	recipient, err := hex.DecodeString(peer)
	if err != nil || len(recipient) != protocol.SessionIDSize {
		return fmt.Errorf("transport: %q is not a relay session identity", peer)
	}
	payload, err := EncodeSignal(signal)
	if err != nil {
		return err
	}
	if limit := s.client.MaxMessageSize(); limit > 0 && len(payload) > limit {
		return fmt.Errorf("transport: %s of %d bytes exceeds the relay's %d byte limit", signal.Kind, len(payload), limit)
	}
	return s.client.SendTo(ctx, recipient, payload, time.Time{})
}

func (s *RelaySignaler) Receive(ctx context.Context) (Signal, error) {
	select {
	case signal := <-s.signals:
		return signal, nil
	case <-s.done:
		return Signal{}, ErrClosed
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	}
}

// Announce retains a rendezvous message on topic so that Discover on
// another session finds this one.
func (s *RelaySignaler) Announce(ctx context.Context, topic []byte) error {
	return s.client.Publish(ctx, topic, announcementPayload, time.Time{})
}

// Withdraw removes the rendezvous message published by Announce.
func (s *RelaySignaler) Withdraw(ctx context.Context, topic []byte) error {
	return s.client.Unpublish(ctx, topic)
}

// Discover waits for another session to announce itself on topic and
// returns its identity. Announcements retained before the call count.
func (s *RelaySignaler) Discover(ctx context.Context, topic []byte) (string, error) {
	if err := s.client.Subscribe(ctx, protocol.SubscribeFrame{Topic: topic, Continuous: true}); err != nil {
		return "", err
	}
	defer func() {
		unsubscribeContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
		defer cancel()
		if err := s.client.Unsubscribe(unsubscribeContext, topic); err != nil {
			s.logger.Debug("unsubscribing rendezvous topic failed", "error", err)
		}
	}()

	for {
		select {
		case found := <-s.announcements:
			if !bytes.Equal(found.topic, topic) || hex.EncodeToString(found.sender) == s.identity {
				continue
			}
			return hex.EncodeToString(found.sender), nil
		case <-s.done:
			return "", ErrClosed
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Close stops consuming frames. It does not close the client.
func (s *RelaySignaler) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *RelaySignaler) pump() {
	defer close(s.done)

	if !s.consume(s.client.Backlog()) {
		return
	}
	for {
		select {
		case frame, ok := <-s.client.Frames():
			if !ok {
				s.logger.Debug("relay connection ended", "error", s.client.Err())
				return
			}
			if err := client.FrameError(frame); err != nil {
				s.logger.Warn("relay reported errors", "error", err)
			}
			if !s.consume(frame.Messages) {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// consume routes messages and reports false when the signaler is
// closing. Inbox messages are acknowledged up to the last one handed
// off; the rest stay retained for the next session holder.
func (s *RelaySignaler) consume(messages []protocol.Message) bool {
	var highest uint64
	defer func() {
		if highest > 0 {
			s.acknowledge(highest)
		}
	}()

	for _, message := range messages {
		if message.Index == 0 {
			select {
			case s.announcements <- announcement{topic: message.Topic, sender: message.Sender}:
			default:
				s.logger.Debug("dropping announcement, nobody is discovering")
			}
			continue
		}

		signal, err := DecodeSignal(message.Payload)
		if err != nil {
			s.logger.Warn("discarding undecodable inbox message",
				"index", message.Index,
				"error", err,
			)
			highest = max(highest, message.Index)
			continue
		}
		signal.From = hex.EncodeToString(message.Sender)
		select {
		case s.signals <- signal:
			highest = max(highest, message.Index)
		case <-s.ctx.Done():
			return false
		}
	}
	return true
}

func (s *RelaySignaler) acknowledge(index uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := s.client.Acknowledge(ctx, index); err != nil {
		s.logger.Debug("acknowledging inbox failed", "index", index, "error", err)
	}
}
