// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inbox

import (
	"cmp"
	"fmt"
	"hash/maphash"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/signaling/lib/clock"
	"github.com/bureau-foundation/signaling/protocol"
	"github.com/bureau-foundation/signaling/retention"
	"github.com/bureau-foundation/signaling/session"
)

const shardCount = 16

// Sink receives inbox messages for a connected session. Deliver must
// not block.
type Sink interface {
	Deliver(messages []protocol.Message)
}

// Config configures a Sequencer.
type Config struct {
	Sessions *session.Table
	Store    *retention.Store
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Sequencer assigns inbox indices, stores inbox messages and hands
// them to the recipient's connection. Safe for concurrent use.
type Sequencer struct {
	sessions *session.Table
	store    *retention.Store
	clock    clock.Clock
	logger   *slog.Logger
	seed     maphash.Seed

	shards [shardCount]recipientShard
}

type recipientShard struct {
	mu    sync.Mutex
	sinks map[string]Sink
}

// NewSequencer creates a Sequencer.
func NewSequencer(config Config) (*Sequencer, error) {
	if config.Sessions == nil || config.Store == nil {
		return nil, fmt.Errorf("inbox: session table and retention store are required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("inbox: clock is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	sequencer := &Sequencer{
		sessions: config.Sessions,
		store:    config.Store,
		clock:    config.Clock,
		logger:   config.Logger,
		seed:     maphash.MakeSeed(),
	}
	for i := range sequencer.shards {
		sequencer.shards[i].sinks = make(map[string]Sink)
	}
	return sequencer, nil
}

// Enqueue stores a message from sender in recipient's inbox under the
// next index and delivers it if the recipient is connected. A nil
// payload unsends the sender's retained message instead and returns
// index 0.
func (s *Sequencer) Enqueue(recipient, sender string, payload []byte, sentAt, expiresAt time.Time) (uint64, error) {
	message := retention.Message{
		Sender:    sender,
		Recipient: retention.InboxRecipient(recipient),
		Payload:   payload,
		SentAt:    sentAt,
		ExpiresAt: expiresAt,
	}

	shard := s.shardFor(recipient)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if message.Unsend() {
		_, err := s.store.Put(message, s.clock.Now(), nil)
		return 0, err
	}

	index, ok := s.sessions.AllocateInboxIndex(recipient)
	if !ok {
		return 0, protocol.Validationf("recipient session not found")
	}
	message.Index = index

	_, err := s.store.Put(message, s.clock.Now(), func(committed retention.Message) {
		if sink, ok := shard.sinks[recipient]; ok {
			sink.Deliver([]protocol.Message{committed.Wire()})
		}
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// Acknowledge deletes the session's inbox messages up to and including
// upto. Acknowledging at or below a previous acknowledgement changes
// nothing. Returns the session's acknowledged index.
func (s *Sequencer) Acknowledge(sessionID string, upto uint64) uint64 {
	shard := s.shardFor(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	cursor, ok := s.sessions.AdvanceInboxCursor(sessionID, upto)
	if !ok {
		return 0
	}
	if removed := s.store.RemoveInboxUpTo(sessionID, cursor); removed > 0 {
		s.logger.Debug("inbox acknowledged", "cursor", cursor, "removed", removed)
	}
	return cursor
}

// Backlog returns the session's retained inbox messages in index
// order.
func (s *Sequencer) Backlog(sessionID string) []retention.Message {
	messages := s.store.Get(retention.InboxRecipient(sessionID), s.clock.Now())
	slices.SortFunc(messages, func(a, b retention.Message) int {
		return cmp.Compare(a.Index, b.Index)
	})
	return messages
}

// Attach makes sink the live delivery target of the session's inbox.
// onAttach runs first, with the current backlog in index order and the
// inbox locked, so that whatever onAttach hands to the sink precedes
// any live delivery.
func (s *Sequencer) Attach(sessionID string, sink Sink, onAttach func(backlog []retention.Message)) {
	shard := s.shardFor(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if onAttach != nil {
		onAttach(s.Backlog(sessionID))
	}
	shard.sinks[sessionID] = sink
}

// Detach stops live delivery to sink. A different sink attached since
// is left in place.
func (s *Sequencer) Detach(sessionID string, sink Sink) {
	shard := s.shardFor(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if current, ok := shard.sinks[sessionID]; ok && current == sink {
		delete(shard.sinks, sessionID)
	}
}

// DropSession forgets the live delivery target of an expired session
// and deletes its retained inbox. An Enqueue that allocated an index
// before the session expired has stored its message by the time the
// recipient lock is taken here, so nothing outlives the session.
func (s *Sequencer) DropSession(sessionID string) {
	shard := s.shardFor(sessionID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.sinks, sessionID)
	if removed := s.store.RemoveInboxUpTo(sessionID, math.MaxUint64); removed > 0 {
		s.logger.Debug("expired inbox dropped", "removed", removed)
	}
}

func (s *Sequencer) shardFor(sessionID string) *recipientShard {
	return &s.shards[maphash.String(s.seed, sessionID)%shardCount]
}
