// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bureau-foundation/signaling/inbox"
	"github.com/bureau-foundation/signaling/lib/clock"
	"github.com/bureau-foundation/signaling/protocol"
	"github.com/bureau-foundation/signaling/retention"
	"github.com/bureau-foundation/signaling/session"
	"github.com/bureau-foundation/signaling/subscription"
)

// Backpressure selects what happens when a connection's outbox is
// full.
type Backpressure string

const (
	// Disconnect closes the connection with status 4008.
	Disconnect Backpressure = "disconnect"

	// DropOldest discards the oldest queued batches.
	DropOldest Backpressure = "drop_oldest"
)

// DuplicatePolicy selects what happens when a session is recovered
// while another connection holds it.
type DuplicatePolicy string

const (
	// Evict closes the older connection with status 4000.
	Evict DuplicatePolicy = "evict"

	// Reject refuses the new connection.
	Reject DuplicatePolicy = "reject"
)

// Close statuses in the application range.
const (
	StatusSessionResumed websocket.StatusCode = 4000
	StatusSlowConsumer   websocket.StatusCode = 4008
	StatusSessionInUse   websocket.StatusCode = 4009
)

// Config configures a Relay.
type Config struct {
	Limits protocol.Limits
	Clock  clock.Clock
	Logger *slog.Logger

	// Random supplies session identifiers. Defaults to crypto/rand.
	Random io.Reader

	// SweepInterval is the expiry cadence of Run.
	SweepInterval time.Duration

	// OutboxSize is the number of queued batches per connection.
	OutboxSize int

	Backpressure     Backpressure
	DuplicateSession DuplicatePolicy

	// FramesPerSecond limits inbound frames per connection, with
	// bursts of FrameBurst. Zero disables the limit.
	FramesPerSecond float64
	FrameBurst      int

	// ReadTimeout drops a connection that has not answered a ping for
	// this long. Pings go out every half ReadTimeout, so idle clients
	// that keep reading stay connected. Zero disables pings.
	ReadTimeout time.Duration

	// WriteTimeout bounds each frame write. Zero means 10s.
	WriteTimeout time.Duration

	// Path is the URL path accepting WebSocket upgrades. Default "/".
	Path string

	// OriginPatterns lists cross-origin hosts allowed to connect.
	OriginPatterns []string
}

// Stats is a point-in-time view of relay state.
type Stats struct {
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	Recipients  int    `json:"recipients"`
	Messages    int    `json:"messages"`
	Evicted     uint64 `json:"evicted"`
}

// Relay is the signaling relay. Safe for concurrent use.
type Relay struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	sessions      *session.Table
	store         *retention.Store
	subscriptions *subscription.Manager
	inbox         *inbox.Sequencer

	// ctx is canceled by Close and parents every connection.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	bindings map[string]*Conn
	conns    map[*Conn]struct{}
	closed   bool
}

// New creates a Relay.
func New(config Config) (*Relay, error) {
	if config.Clock == nil {
		return nil, fmt.Errorf("relay: clock is required")
	}
	if err := config.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.SweepInterval <= 0 {
		return nil, fmt.Errorf("relay: sweep interval must be positive, got %v", config.SweepInterval)
	}
	if config.OutboxSize <= 0 {
		return nil, fmt.Errorf("relay: outbox size must be positive, got %d", config.OutboxSize)
	}
	switch config.Backpressure {
	case "":
		config.Backpressure = Disconnect
	case Disconnect, DropOldest:
	default:
		return nil, fmt.Errorf("relay: unknown backpressure policy %q", config.Backpressure)
	}
	switch config.DuplicateSession {
	case "":
		config.DuplicateSession = Evict
	case Evict, Reject:
	default:
		return nil, fmt.Errorf("relay: unknown duplicate session policy %q", config.DuplicateSession)
	}
	if config.FramesPerSecond > 0 && config.FrameBurst <= 0 {
		return nil, fmt.Errorf("relay: frame burst must be positive when frames per second is set")
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.Path == "" {
		config.Path = "/"
	}

	sessions, err := session.NewTable(session.Config{
		Clock:  config.Clock,
		TTL:    config.Limits.SessionTTL,
		Random: config.Random,
		Logger: config.Logger.With("component", "session"),
	})
	if err != nil {
		return nil, err
	}
	store, err := retention.NewStore(retention.Config{
		Limits: config.Limits,
		Logger: config.Logger.With("component", "retention"),
	})
	if err != nil {
		return nil, err
	}
	subscriptions, err := subscription.NewManager(subscription.Config{
		Store:  store,
		Limits: config.Limits,
		Clock:  config.Clock,
		Logger: config.Logger.With("component", "subscription"),
	})
	if err != nil {
		return nil, err
	}
	sequencer, err := inbox.NewSequencer(inbox.Config{
		Sessions: sessions,
		Store:    store,
		Clock:    config.Clock,
		Logger:   config.Logger.With("component", "inbox"),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		config:        config,
		clock:         config.Clock,
		logger:        config.Logger,
		sessions:      sessions,
		store:         store,
		subscriptions: subscriptions,
		inbox:         sequencer,
		ctx:           ctx,
		cancel:        cancel,
		bindings:      make(map[string]*Conn),
		conns:         make(map[*Conn]struct{}),
	}, nil
}

// Run sweeps expired sessions and messages every SweepInterval until
// ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.clock.Now())
		}
	}
}

// Sweep expires lapsed sessions together with their subscriptions and
// retained messages, then removes expired messages.
func (r *Relay) Sweep(now time.Time) {
	expired := r.sessions.Expire(now)
	for _, id := range expired {
		r.subscriptions.DropSession(id)
		r.inbox.DropSession(id)
	}
	dropped := r.store.DropSessions(expired)
	swept := r.store.Sweep(now)

	if len(expired) > 0 || swept > 0 {
		r.logger.Debug("expiry sweep",
			"sessions_expired", len(expired),
			"messages_dropped", dropped,
			"messages_expired", swept,
		)
	}
}

// Stats returns current counts.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	connections := len(r.conns)
	r.mu.Unlock()

	storeStats := r.store.Stats()
	return Stats{
		Sessions:    r.sessions.Len(),
		Connections: connections,
		Recipients:  storeStats.Recipients,
		Messages:    storeStats.Messages,
		Evicted:     storeStats.Evicted,
	}
}

// Shutdown closes every connection with status 1001, refuses new ones
// and waits for the connections to finish. When ctx ends first the
// remaining connections are dropped without a close handshake and
// ctx's error is returned. Retained state is kept.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()
	defer r.cancel()

	for _, conn := range conns {
		conn.fail(websocket.StatusGoingAway, "relay shutting down")
	}
	for _, conn := range conns {
		select {
		case <-conn.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// track registers a new connection. It fails once Close was called.
func (r *Relay) track(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[conn] = struct{}{}
	return true
}

func (r *Relay) untrack(conn *Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

// claim makes conn the holder of sessionID and returns the connection
// it displaced, if any.
func (r *Relay) claim(sessionID string, conn *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.bindings[sessionID]
	r.bindings[sessionID] = conn
	return previous
}

// holder returns the connection holding sessionID.
func (r *Relay) holder(sessionID string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[sessionID]
}

// release drops conn's claim on sessionID unless a newer connection
// has taken it.
func (r *Relay) release(sessionID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bindings[sessionID] == conn {
		delete(r.bindings, sessionID)
	}
}
