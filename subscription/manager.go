// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/signaling/lib/clock"
	"github.com/bureau-foundation/signaling/protocol"
	"github.com/bureau-foundation/signaling/retention"
)

const shardCount = 16

// Sink receives message batches for one connection. Deliver is called
// with retention locks held and must return without blocking; a sink
// that cannot keep up applies its own backpressure policy.
type Sink interface {
	Deliver(messages []protocol.Message)
}

// Options are the client's parameters for one subscribe request.
type Options struct {
	// MaxBacklog bounds the snapshot; zero leaves it to the server
	// limit.
	MaxBacklog int

	// Oldest drops snapshot messages sent before it.
	Oldest time.Time

	// Continuous keeps delivering messages after the snapshot.
	Continuous bool
}

// Config configures a Manager.
type Config struct {
	Store  *retention.Store
	Limits protocol.Limits
	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager tracks continuous subscriptions. Safe for concurrent use.
type Manager struct {
	store  *retention.Store
	limits protocol.Limits
	clock  clock.Clock
	logger *slog.Logger
	seed   maphash.Seed

	shards [shardCount]topicShard

	// sessionsMu guards sessions, the topics each session is
	// continuously subscribed to. It is never held while taking any
	// other lock.
	sessionsMu sync.Mutex
	sessions   map[string]map[string]struct{}
}

type topicShard struct {
	mu          sync.Mutex
	subscribers map[string]map[string]Sink // topic -> session ID -> sink
}

// NewManager creates a Manager over store.
func NewManager(config Config) (*Manager, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("subscription: store is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("subscription: clock is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	manager := &Manager{
		store:    config.Store,
		limits:   config.Limits,
		clock:    config.Clock,
		logger:   config.Logger,
		seed:     maphash.MakeSeed(),
		sessions: make(map[string]map[string]struct{}),
	}
	for i := range manager.shards {
		manager.shards[i].subscribers = make(map[string]map[string]Sink)
	}
	return manager, nil
}

// Subscribe delivers the topic's snapshot to sink and, for a
// continuous subscribe, registers sink for later messages, replacing
// any previous registration of the session for the topic. A
// non-continuous subscribe removes an existing registration.
//
// A new continuous subscription beyond MaxSubscriptions fails with a
// subscription limit error; nothing is delivered and the session's
// other subscriptions are untouched.
func (m *Manager) Subscribe(sessionID string, topic []byte, options Options, sink Sink) error {
	if len(topic) == 0 {
		return protocol.Validationf("topic must not be empty")
	}
	if len(topic) > m.limits.MaxTopicSize {
		return protocol.Validationf("topic of %d bytes exceeds %d", len(topic), m.limits.MaxTopicSize)
	}
	key := string(topic)

	if options.Continuous {
		if err := m.reserve(sessionID, key); err != nil {
			return err
		}
	} else {
		m.release(sessionID, key)
	}

	backlog := m.limits.ClampBacklog(options.MaxBacklog)
	shard := m.shardFor(key)

	m.store.View(retention.TopicRecipient(topic), m.clock.Now(), func(retained []retention.Message) {
		shard.mu.Lock()
		if options.Continuous {
			sessions, ok := shard.subscribers[key]
			if !ok {
				sessions = make(map[string]Sink)
				shard.subscribers[key] = sessions
			}
			sessions[sessionID] = sink
		} else {
			shard.removeLocked(key, sessionID, nil)
		}
		shard.mu.Unlock()

		snapshot := filterSnapshot(retained, options.Oldest, backlog)
		if len(snapshot) > 0 {
			sink.Deliver(retention.WireAll(snapshot))
		}
	})
	return nil
}

// Unsubscribe stops continuous delivery of topic to the session.
// Unsubscribing from a topic without a subscription does nothing.
func (m *Manager) Unsubscribe(sessionID string, topic []byte) {
	key := string(topic)
	m.release(sessionID, key)

	shard := m.shardFor(key)
	shard.mu.Lock()
	shard.removeLocked(key, sessionID, nil)
	shard.mu.Unlock()
}

// Detach removes every subscription the session holds through sink.
// Registrations made by the same session through a different sink
// survive, so a replaced connection cannot tear down its successor's
// subscriptions.
func (m *Manager) Detach(sessionID string, sink Sink) int {
	removed := 0
	for _, key := range m.topicsOf(sessionID) {
		shard := m.shardFor(key)
		shard.mu.Lock()
		if shard.removeLocked(key, sessionID, sink) {
			removed++
			m.release(sessionID, key)
		}
		shard.mu.Unlock()
	}
	return removed
}

// DropSession removes all subscriptions of an expired session.
func (m *Manager) DropSession(sessionID string) {
	for _, key := range m.topicsOf(sessionID) {
		shard := m.shardFor(key)
		shard.mu.Lock()
		shard.removeLocked(key, sessionID, nil)
		shard.mu.Unlock()
	}
	m.sessionsMu.Lock()
	delete(m.sessions, sessionID)
	m.sessionsMu.Unlock()
}

// Publish delivers message to every continuous subscriber of its
// topic, the sender included. It is meant to run as the retention
// store's commit callback so that deliveries follow commit order.
func (m *Manager) Publish(message retention.Message) {
	if message.Recipient.Kind != retention.Topic {
		return
	}
	shard := m.shardFor(message.Recipient.Key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	sessions := shard.subscribers[message.Recipient.Key]
	if len(sessions) == 0 {
		return
	}
	batch := []protocol.Message{message.Wire()}
	for _, sink := range sessions {
		sink.Deliver(batch)
	}
}

// Count returns the number of continuous subscriptions of a session.
func (m *Manager) Count(sessionID string) int {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	return len(m.sessions[sessionID])
}

// Subscribers returns the number of continuous subscribers of topic.
func (m *Manager) Subscribers(topic []byte) int {
	key := string(topic)
	shard := m.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return len(shard.subscribers[key])
}

func (m *Manager) reserve(sessionID, key string) error {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()

	topics, ok := m.sessions[sessionID]
	if !ok {
		topics = make(map[string]struct{})
		m.sessions[sessionID] = topics
	}
	if _, ok := topics[key]; ok {
		return nil
	}
	if len(topics) >= m.limits.MaxSubscriptions {
		m.logger.Debug("subscription limit reached", "limit", m.limits.MaxSubscriptions)
		return protocol.SubscriptionLimit(m.limits.MaxSubscriptions)
	}
	topics[key] = struct{}{}
	return nil
}

func (m *Manager) release(sessionID, key string) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()

	topics := m.sessions[sessionID]
	delete(topics, key)
	if len(topics) == 0 {
		delete(m.sessions, sessionID)
	}
}

func (m *Manager) topicsOf(sessionID string) []string {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()

	keys := make([]string, 0, len(m.sessions[sessionID]))
	for key := range m.sessions[sessionID] {
		keys = append(keys, key)
	}
	return keys
}

func (m *Manager) shardFor(key string) *topicShard {
	return &m.shards[maphash.String(m.seed, key)%shardCount]
}

// removeLocked removes the session's registration for key. A non-nil
// sink restricts removal to that sink.
func (s *topicShard) removeLocked(key, sessionID string, sink Sink) bool {
	sessions, ok := s.subscribers[key]
	if !ok {
		return false
	}
	current, ok := sessions[sessionID]
	if !ok || (sink != nil && current != sink) {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(s.subscribers, key)
	}
	return true
}

// filterSnapshot keeps messages sent at or after oldest, then the
// backlog most recently updated of those.
func filterSnapshot(retained []retention.Message, oldest time.Time, backlog int) []retention.Message {
	snapshot := retained
	if !oldest.IsZero() {
		snapshot = make([]retention.Message, 0, len(retained))
		for _, message := range retained {
			if !message.SentAt.Before(oldest) {
				snapshot = append(snapshot, message)
			}
		}
	}
	if len(snapshot) > backlog {
		snapshot = snapshot[len(snapshot)-backlog:]
	}
	return snapshot
}
