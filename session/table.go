// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/signaling/lib/clock"
	"github.com/bureau-foundation/signaling/protocol"
)

const shardCount = 16

// Config configures a Table.
type Config struct {
	Clock clock.Clock

	// TTL is how long an unbound session survives after it was last
	// seen.
	TTL time.Duration

	// Random supplies session IDs, recovery keys and the digest key.
	// Defaults to crypto/rand.
	Random io.Reader

	Logger *slog.Logger
}

// Snapshot is a copy of a session's state.
type Snapshot struct {
	ID             string
	LastSeen       time.Time
	Bound          bool
	InboxCursor    uint64
	NextInboxIndex uint64
}

// Table is the set of live sessions. Safe for concurrent use.
//
// Sessions are sharded by ID. The recovery index maps key digests to
// session IDs under its own lock; it is always taken after a shard
// lock, never before.
type Table struct {
	clock  clock.Clock
	ttl    time.Duration
	random io.Reader
	logger *slog.Logger

	digestKey [32]byte

	shards [shardCount]shard

	recoveryMu sync.Mutex
	recovery   map[keyDigest]string

	reapedMu sync.Mutex
	reaped   []string
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*record
}

type keyDigest [32]byte

type record struct {
	id       string
	digest   keyDigest
	lastSeen time.Time

	// bindings counts live connections holding the session. It is
	// normally 0 or 1 and briefly 2 while one connection replaces
	// another.
	bindings int

	inboxCursor    uint64
	nextInboxIndex uint64
}

// NewTable creates an empty table.
func NewTable(config Config) (*Table, error) {
	if config.Clock == nil {
		return nil, fmt.Errorf("session: clock is required")
	}
	if config.TTL <= 0 {
		return nil, fmt.Errorf("session: TTL must be positive, got %v", config.TTL)
	}
	if config.Random == nil {
		config.Random = rand.Reader
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	table := &Table{
		clock:    config.Clock,
		ttl:      config.TTL,
		random:   config.Random,
		logger:   config.Logger,
		recovery: make(map[keyDigest]string),
	}
	if _, err := io.ReadFull(table.random, table.digestKey[:]); err != nil {
		return nil, fmt.Errorf("session: generating digest key: %w", err)
	}
	for i := range table.shards {
		table.shards[i].sessions = make(map[string]*record)
	}
	return table, nil
}

// Open creates a session and returns its ID and first recovery key.
func (t *Table) Open() (string, []byte, error) {
	recoveryKey, err := t.newRecoveryKey()
	if err != nil {
		return "", nil, err
	}
	digest := t.digest(recoveryKey)
	now := t.clock.Now()

	for {
		id, err := t.newSessionID()
		if err != nil {
			return "", nil, err
		}
		shard := t.shardFor(id)
		shard.mu.Lock()
		if _, taken := shard.sessions[id]; taken {
			shard.mu.Unlock()
			continue
		}
		shard.sessions[id] = &record{
			id:             id,
			digest:         digest,
			lastSeen:       now,
			nextInboxIndex: 1,
		}
		t.recoveryMu.Lock()
		t.recovery[digest] = id
		t.recoveryMu.Unlock()
		shard.mu.Unlock()
		return id, recoveryKey, nil
	}
}

// Recover resolves recoveryKey to its session and issues a replacement
// key. When the key is unknown, or its session has outlived the TTL, a
// new session is opened instead and foundExisting is false.
func (t *Table) Recover(recoveryKey []byte) (id string, newKey []byte, foundExisting bool, err error) {
	digest := t.digest(recoveryKey)

	// Consuming the digest first makes each key single-use even when
	// two connections race with the same key.
	t.recoveryMu.Lock()
	id, ok := t.recovery[digest]
	if ok {
		delete(t.recovery, digest)
	}
	t.recoveryMu.Unlock()

	if !ok {
		id, newKey, err = t.Open()
		return id, newKey, false, err
	}

	newKey, err = t.newRecoveryKey()
	if err != nil {
		return "", nil, false, err
	}

	shard := t.shardFor(id)
	shard.mu.Lock()
	session, exists := shard.sessions[id]
	if !exists || session.digest != digest {
		shard.mu.Unlock()
		id, newKey, err = t.Open()
		return id, newKey, false, err
	}

	now := t.clock.Now()
	if t.lapsed(session, now) {
		delete(shard.sessions, id)
		shard.mu.Unlock()
		t.queueReaped(id)
		t.logger.Debug("session lapsed at recovery", "last_seen", session.lastSeen)
		id, newKey, err = t.Open()
		return id, newKey, false, err
	}

	session.digest = t.digest(newKey)
	session.lastSeen = now
	t.recoveryMu.Lock()
	t.recovery[session.digest] = id
	t.recoveryMu.Unlock()
	shard.mu.Unlock()

	return id, newKey, true, nil
}

// Peek returns the session recoveryKey resolves to without consuming
// the key.
func (t *Table) Peek(recoveryKey []byte) (string, bool) {
	digest := t.digest(recoveryKey)
	t.recoveryMu.Lock()
	defer t.recoveryMu.Unlock()
	id, ok := t.recovery[digest]
	return id, ok
}

// Restore makes recoveryKey the session's key again in place of the
// one Recover issued. It undoes a recovery whose new key never reached
// the client. Returns false when the session no longer exists.
func (t *Table) Restore(id string, recoveryKey []byte) bool {
	digest := t.digest(recoveryKey)
	return t.update(id, func(session *record, _ time.Time) {
		t.recoveryMu.Lock()
		defer t.recoveryMu.Unlock()
		if t.recovery[session.digest] == id {
			delete(t.recovery, session.digest)
		}
		session.digest = digest
		t.recovery[digest] = id
	})
}

// Touch refreshes a session's last-seen time. Returns false when the
// session does not exist.
func (t *Table) Touch(id string) bool {
	return t.update(id, func(session *record, now time.Time) {
		session.lastSeen = now
	})
}

// Bind records that a connection holds the session. Bound sessions do
// not expire.
func (t *Table) Bind(id string) bool {
	return t.update(id, func(session *record, now time.Time) {
		session.bindings++
		session.lastSeen = now
	})
}

// Unbind releases a binding made by Bind and starts the TTL from now
// if no other connection holds the session.
func (t *Table) Unbind(id string) bool {
	return t.update(id, func(session *record, now time.Time) {
		if session.bindings > 0 {
			session.bindings--
		}
		session.lastSeen = now
	})
}

// Expire removes every unbound session last seen at least one TTL
// before now, together with sessions that Recover found lapsed since
// the previous call. It returns their IDs.
func (t *Table) Expire(now time.Time) []string {
	t.reapedMu.Lock()
	expired := t.reaped
	t.reaped = nil
	t.reapedMu.Unlock()

	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		for id, session := range shard.sessions {
			if !t.lapsed(session, now) {
				continue
			}
			delete(shard.sessions, id)
			t.recoveryMu.Lock()
			if t.recovery[session.digest] == id {
				delete(t.recovery, session.digest)
			}
			t.recoveryMu.Unlock()
			expired = append(expired, id)
		}
		shard.mu.Unlock()
	}
	return expired
}

// AllocateInboxIndex returns the next inbox index of the session and
// advances its counter. Indices start at 1.
func (t *Table) AllocateInboxIndex(id string) (uint64, bool) {
	var index uint64
	found := t.update(id, func(session *record, _ time.Time) {
		index = session.nextInboxIndex
		session.nextInboxIndex++
	})
	return index, found
}

// AdvanceInboxCursor raises the acknowledged index of the session to
// upto, never lowering it and never past the last issued index. It
// returns the resulting cursor.
func (t *Table) AdvanceInboxCursor(id string, upto uint64) (uint64, bool) {
	var cursor uint64
	found := t.update(id, func(session *record, _ time.Time) {
		if highest := session.nextInboxIndex - 1; upto > highest {
			upto = highest
		}
		if upto > session.inboxCursor {
			session.inboxCursor = upto
		}
		cursor = session.inboxCursor
	})
	return cursor, found
}

// Lookup returns a copy of the session's state.
func (t *Table) Lookup(id string) (Snapshot, bool) {
	shard := t.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	session, ok := shard.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		ID:             session.id,
		LastSeen:       session.lastSeen,
		Bound:          session.bindings > 0,
		InboxCursor:    session.inboxCursor,
		NextInboxIndex: session.nextInboxIndex,
	}, true
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	total := 0
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		total += len(shard.sessions)
		shard.mu.Unlock()
	}
	return total
}

func (t *Table) update(id string, apply func(*record, time.Time)) bool {
	shard := t.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	session, ok := shard.sessions[id]
	if !ok {
		return false
	}
	apply(session, t.clock.Now())
	return true
}

func (t *Table) lapsed(session *record, now time.Time) bool {
	return session.bindings == 0 && !session.lastSeen.Add(t.ttl).After(now)
}

func (t *Table) queueReaped(id string) {
	t.reapedMu.Lock()
	t.reaped = append(t.reaped, id)
	t.reapedMu.Unlock()
}

func (t *Table) shardFor(id string) *shard {
	if id == "" {
		return &t.shards[0]
	}
	return &t.shards[int(id[0])%shardCount]
}

func (t *Table) digest(recoveryKey []byte) keyDigest {
	hasher, err := blake3.NewKeyed(t.digestKey[:])
	if err != nil {
		panic("session: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(recoveryKey)
	var digest keyDigest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

func (t *Table) newSessionID() (string, error) {
	buffer := make([]byte, protocol.SessionIDSize)
	if _, err := io.ReadFull(t.random, buffer); err != nil {
		return "", fmt.Errorf("session: generating session ID: %w", err)
	}
	return string(buffer), nil
}

func (t *Table) newRecoveryKey() ([]byte, error) {
	key := make([]byte, protocol.RecoveryKeySize)
	if _, err := io.ReadFull(t.random, key); err != nil {
		return nil, fmt.Errorf("session: generating recovery key: %w", err)
	}
	return key, nil
}
