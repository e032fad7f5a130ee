// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retention

import (
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/bureau-foundation/signaling/protocol"
)

const shardCount = 32

// Config configures a Store.
type Config struct {
	Limits protocol.Limits
	Logger *slog.Logger
}

// Stats summarizes a Store.
type Stats struct {
	Recipients int
	Messages   int

	// Evicted counts slots dropped because a recipient reached
	// MaxSendersPerRecipient.
	Evicted uint64
}

// Store holds retained messages. Safe for concurrent use.
//
// All mutations of a recipient happen under its shard lock, which is
// the single point that orders writes to any (sender, recipient) slot.
type Store struct {
	limits protocol.Limits
	logger *slog.Logger
	seed   maphash.Seed

	version atomic.Uint64
	evicted atomic.Uint64

	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	buckets map[Recipient]*bucket
}

// bucket is one recipient's slots keyed by sender, least recently
// updated first.
type bucket = simplelru.LRU[string, Message]

// NewStore creates an empty store.
func NewStore(config Config) (*Store, error) {
	if err := config.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("retention: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	store := &Store{
		limits: config.Limits,
		logger: config.Logger,
		seed:   maphash.MakeSeed(),
	}
	for i := range store.shards {
		store.shards[i].buckets = make(map[Recipient]*bucket)
	}
	return store, nil
}

// Put stores message in the (Sender, Recipient) slot, replacing what
// was there. An unsend, or a message already expired at now, only
// clears the slot. ExpiresAt is clamped to SentAt + MaxExpiration, and
// a zero ExpiresAt means the maximum.
//
// When a visible message is committed, onCommit (if not nil) is
// called with it before the shard lock is released, so callbacks for
// one recipient run in commit order. onCommit must not block or call
// back into the store for the same recipient.
//
// Put returns the committed message, or a validation error without
// changing anything.
func (s *Store) Put(message Message, now time.Time, onCommit func(Message)) (Message, error) {
	if err := s.validate(message); err != nil {
		return Message{}, err
	}
	message.ExpiresAt = s.limits.ClampExpiry(message.SentAt, message.ExpiresAt)

	shard := s.shardFor(message.Recipient)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	message.Version = s.version.Add(1)

	if message.Unsend() || message.ExpiredAt(now) {
		if slots, ok := shard.buckets[message.Recipient]; ok {
			slots.Remove(message.Sender)
			if slots.Len() == 0 {
				delete(shard.buckets, message.Recipient)
			}
		}
		return message, nil
	}

	slots, ok := shard.buckets[message.Recipient]
	if !ok {
		var err error
		slots, err = simplelru.NewLRU[string, Message](s.limits.MaxSendersPerRecipient, nil)
		if err != nil {
			return Message{}, fmt.Errorf("retention: creating bucket: %w", err)
		}
		shard.buckets[message.Recipient] = slots
	}
	// Add moves an existing sender to the newest position.
	if slots.Add(message.Sender, message) {
		s.evicted.Add(1)
		s.logger.Debug("retention slot evicted",
			"recipient_kind", message.Recipient.Kind.String(),
			"limit", s.limits.MaxSendersPerRecipient)
	}

	if onCommit != nil {
		onCommit(message)
	}
	return message, nil
}

// Get returns the live messages for recipient, one per sender, least
// recently updated first. Expired messages encountered are deleted.
func (s *Store) Get(recipient Recipient, now time.Time) []Message {
	shard := s.shardFor(recipient)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.liveLocked(recipient, now)
}

// View calls fn with the live messages for recipient while holding
// the recipient's lock. No Put to the recipient can commit until fn
// returns, which lets a caller take a snapshot and register for later
// commits atomically. fn must not call back into the store for the
// same recipient.
func (s *Store) View(recipient Recipient, now time.Time, fn func([]Message)) {
	shard := s.shardFor(recipient)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	fn(shard.liveLocked(recipient, now))
}

// Sweep deletes every message expired at now and returns how many
// were deleted.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for recipient, slots := range shard.buckets {
			for _, sender := range slots.Keys() {
				message, ok := slots.Peek(sender)
				if ok && message.ExpiredAt(now) {
					slots.Remove(sender)
					removed++
				}
			}
			if slots.Len() == 0 {
				delete(shard.buckets, recipient)
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// RemoveInboxUpTo deletes the inbox messages of sessionID whose index
// is at most upto, expired or not, and returns how many were deleted.
func (s *Store) RemoveInboxUpTo(sessionID string, upto uint64) int {
	recipient := InboxRecipient(sessionID)
	shard := s.shardFor(recipient)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	slots, ok := shard.buckets[recipient]
	if !ok {
		return 0
	}
	removed := 0
	for _, sender := range slots.Keys() {
		message, ok := slots.Peek(sender)
		if ok && message.Index <= upto {
			slots.Remove(sender)
			removed++
		}
	}
	if slots.Len() == 0 {
		delete(shard.buckets, recipient)
	}
	return removed
}

// DropSessions deletes everything retained for the given sessions:
// their inboxes and every message they sent. Returns how many
// messages were deleted.
func (s *Store) DropSessions(sessionIDs []string) int {
	if len(sessionIDs) == 0 {
		return 0
	}
	dropped := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		dropped[id] = struct{}{}
	}

	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for recipient, slots := range shard.buckets {
			if _, ok := dropped[recipient.Key]; ok && recipient.Kind == Inbox {
				removed += slots.Len()
				delete(shard.buckets, recipient)
				continue
			}
			for id := range dropped {
				if slots.Remove(id) {
					removed++
				}
			}
			if slots.Len() == 0 {
				delete(shard.buckets, recipient)
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Stats returns current counts.
func (s *Store) Stats() Stats {
	stats := Stats{Evicted: s.evicted.Load()}
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		stats.Recipients += len(shard.buckets)
		for _, slots := range shard.buckets {
			stats.Messages += slots.Len()
		}
		shard.mu.Unlock()
	}
	return stats
}

func (s *Store) validate(message Message) error {
	if message.Sender == "" {
		return protocol.Validationf("message has no sender")
	}
	if len(message.Payload) > s.limits.MaxMessageSize {
		return protocol.Validationf("payload of %d bytes exceeds %d", len(message.Payload), s.limits.MaxMessageSize)
	}
	switch message.Recipient.Kind {
	case Topic:
		if len(message.Recipient.Key) == 0 {
			return protocol.Validationf("topic must not be empty")
		}
		if len(message.Recipient.Key) > s.limits.MaxTopicSize {
			return protocol.Validationf("topic of %d bytes exceeds %d", len(message.Recipient.Key), s.limits.MaxTopicSize)
		}
	case Inbox:
		if len(message.Recipient.Key) == 0 || len(message.Recipient.Key) > protocol.SessionIDSize {
			return protocol.Validationf("session ID must be 1 to %d bytes", protocol.SessionIDSize)
		}
	default:
		return protocol.Validationf("unknown recipient kind %d", message.Recipient.Kind)
	}
	return nil
}

func (s *Store) shardFor(recipient Recipient) *shard {
	hash := maphash.String(s.seed, recipient.Key)
	hash ^= uint64(recipient.Kind) * 0x9e3779b97f4a7c15
	return &s.shards[hash%shardCount]
}

func (sh *shard) liveLocked(recipient Recipient, now time.Time) []Message {
	slots, ok := sh.buckets[recipient]
	if !ok {
		return nil
	}
	var live []Message
	for _, sender := range slots.Keys() {
		message, ok := slots.Peek(sender)
		if !ok {
			continue
		}
		if message.ExpiredAt(now) {
			slots.Remove(sender)
			continue
		}
		live = append(live, message)
	}
	if slots.Len() == 0 {
		delete(sh.buckets, recipient)
	}
	return live
}
