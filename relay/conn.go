// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/signaling/lib/netutil"
	"github.com/bureau-foundation/signaling/protocol"
	"github.com/bureau-foundation/signaling/retention"
	"github.com/bureau-foundation/signaling/subscription"
)

// Conn is one client connection. It is unbound until an init frame
// opens or recovers a session, then bound to that session until it
// closes.
//
// Conn implements the delivery sinks of the subscription manager and
// the inbox sequencer.
type Conn struct {
	id      string
	relay   *Relay
	ws      *websocket.Conn
	logger  *slog.Logger
	outbox  *outbox
	limiter *rate.Limiter

	// sessionID is written only by the reader goroutine.
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	// done is closed once the connection has released its session.
	done chan struct{}
}

var _ subscription.Sink = (*Conn)(nil)

func (r *Relay) newConn(ws *websocket.Conn, remoteAddress string) *Conn {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(r.ctx)
	conn := &Conn{
		id:     id,
		relay:  r,
		ws:     ws,
		logger: r.logger.With("connection_id", id, "remote", remoteAddress),
		outbox: newOutbox(r.config.OutboxSize, r.config.Backpressure == DropOldest),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if r.config.FramesPerSecond > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(r.config.FramesPerSecond), r.config.FrameBurst)
	}
	return conn
}

// ID returns the connection's log identifier.
func (c *Conn) ID() string { return c.id }

// Deliver queues messages for the client. It never blocks.
func (c *Conn) Deliver(messages []protocol.Message) {
	c.enqueue(protocol.ServerFrame{Messages: messages})
}

// report queues errors for the next frame to the client.
func (c *Conn) report(errs ...error) {
	if len(errs) == 0 {
		return
	}
	for _, err := range errs {
		var protocolError *protocol.Error
		if !errors.As(err, &protocolError) {
			c.logger.Error("operation failed", "error", err)
		}
	}
	c.enqueue(protocol.ServerFrame{Errors: protocol.ErrorEntries(errs)})
}

func (c *Conn) enqueue(frame protocol.ServerFrame) {
	if c.outbox.push(frame) {
		return
	}
	if c.relay.config.Backpressure == Disconnect {
		c.logger.Warn("outbox full, disconnecting", "queued", c.outbox.len())
		c.fail(StatusSlowConsumer, "slow consumer")
	}
}

// serve runs the connection until it closes.
func (c *Conn) serve() {
	defer close(c.done)
	defer c.relay.untrack(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	keepaliveDone := make(chan struct{})
	go func() {
		defer close(keepaliveDone)
		if timeout := c.relay.config.ReadTimeout; timeout > 0 {
			c.keepalive(timeout)
		}
	}()

	err := c.readLoop()
	if err == nil || netutil.IsExpectedCloseError(err) {
		c.logger.Debug("connection closed", "close_status", int(websocket.CloseStatus(err)))
	} else {
		c.logger.Info("connection ended", "error", err)
	}

	c.cancel()
	<-writerDone
	<-keepaliveDone
	c.unbind()
	c.ws.CloseNow()

	if dropped := c.outbox.droppedCount(); dropped > 0 {
		c.logger.Info("outbox dropped batches", "dropped", dropped)
	}
}

// fail starts closing the connection with status without waiting.
// Safe to call with store locks held.
func (c *Conn) fail(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.logger.Debug("closing connection", "close_status", int(status), "reason", reason)
		go func() {
			_ = c.ws.Close(status, reason)
		}()
	})
}

// close closes the connection with status and waits for the close
// handshake. Called only from the reader goroutine.
func (c *Conn) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.logger.Debug("closing connection", "close_status", int(status), "reason", reason)
		_ = c.ws.Close(status, reason)
	})
}

func (c *Conn) readLoop() error {
	limits := c.relay.config.Limits
	for {
		messageType, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return err
		}

		if messageType != websocket.MessageBinary {
			c.close(websocket.StatusUnsupportedData, "binary frames only")
			return nil
		}
		if c.limiter != nil && !c.limiter.AllowN(c.relay.clock.Now(), 1) {
			c.report(protocol.RateLimited())
			continue
		}

		frame, err := protocol.DecodeClientFrame(data, limits)
		if err != nil {
			var decodeError *protocol.DecodeError
			if errors.As(err, &decodeError) {
				c.logger.Debug("malformed frame", "error", err)
				c.close(websocket.StatusInvalidFramePayloadData, "malformed frame")
				return nil
			}
			c.report(err)
			continue
		}

		if !c.dispatch(frame) {
			return nil
		}
	}
}

// dispatch handles one decoded frame. It returns false when the
// connection has been closed.
func (c *Conn) dispatch(frame protocol.ClientFrame) bool {
	if init, ok := frame.(protocol.InitFrame); ok {
		return c.handleInit(init)
	}
	if c.sessionID == "" {
		c.report(protocol.Validationf("no session, send an init frame first"))
		return true
	}

	relay := c.relay
	switch frame := frame.(type) {
	case protocol.SendFrame:
		errs := slices.Clone(frame.Rejected)
		now := relay.clock.Now()
		for _, message := range frame.Messages {
			if err := relay.route(c.sessionID, message, now); err != nil {
				errs = append(errs, err)
			}
		}
		c.report(errs...)

	case protocol.AcknowledgeFrame:
		relay.inbox.Acknowledge(c.sessionID, frame.Index)

	case protocol.SubscribeFrame:
		err := relay.subscriptions.Subscribe(c.sessionID, frame.Topic, subscription.Options{
			MaxBacklog: frame.MaxBacklog,
			Oldest:     frame.Oldest,
			Continuous: frame.Continuous,
		}, c)
		if err != nil {
			c.report(err)
		}

	case protocol.UnsubscribeFrame:
		relay.subscriptions.Unsubscribe(c.sessionID, frame.Topic)

	default:
		c.report(fmt.Errorf("unhandled frame type %T", frame))
	}
	return true
}

func (c *Conn) handleInit(frame protocol.InitFrame) bool {
	if c.sessionID != "" {
		c.report(protocol.Validationf("session already initialized"))
		return true
	}
	relay := c.relay

	var (
		sessionID   string
		recoveryKey []byte
		initErrors  []error
		recovered   bool
		err         error
	)
	if frame.RecoveryKey == nil {
		sessionID, recoveryKey, err = relay.sessions.Open()
	} else {
		if relay.config.DuplicateSession == Reject {
			if existing, ok := relay.sessions.Peek(frame.RecoveryKey); ok && relay.holder(existing) != nil {
				c.refuse()
				return false
			}
		}
		sessionID, recoveryKey, recovered, err = relay.sessions.Recover(frame.RecoveryKey)
		if err == nil && !recovered {
			initErrors = append(initErrors, protocol.SessionLost())
		}
	}
	if err != nil {
		c.logger.Error("opening session", "error", err)
		c.close(websocket.StatusInternalError, "internal error")
		return false
	}

	if previous := relay.claim(sessionID, c); previous != nil {
		previous.logger.Info("session resumed on another connection", "replacement", c.id)
		previous.fail(StatusSessionResumed, "session resumed elsewhere")
		select {
		case <-previous.done:
		case <-c.ctx.Done():
			relay.release(sessionID, c)
			if recovered {
				relay.sessions.Restore(sessionID, frame.RecoveryKey)
			}
			return false
		}
	}
	if !relay.sessions.Bind(sessionID) {
		relay.release(sessionID, c)
		c.logger.Error("session vanished before bind")
		c.close(websocket.StatusInternalError, "internal error")
		return false
	}
	c.sessionID = sessionID

	limits := relay.config.Limits
	backlogSize := 0
	relay.inbox.Attach(sessionID, c, func(backlog []retention.Message) {
		backlogSize = len(backlog)
		c.enqueue(protocol.ServerFrame{
			Errors:         protocol.ErrorEntries(initErrors),
			SessionID:      []byte(sessionID),
			RecoveryKey:    recoveryKey,
			Messages:       retention.WireAll(backlog),
			MaxExpiration:  uint64(limits.MaxExpiration / time.Second),
			MaxMessageSize: uint64(limits.MaxMessageSize),
		})
	})

	c.logger.Info("session bound",
		"session", fmt.Sprintf("%x", sessionID[:4]),
		"recovered", recovered,
		"backlog", backlogSize,
	)
	return true
}

// refuse tells the client its session is connected elsewhere and
// closes the connection.
func (c *Conn) refuse() {
	c.logger.Info("recovery refused, session connected elsewhere")
	refusal := protocol.ServerFrame{
		Errors: protocol.ErrorEntries([]error{protocol.Validationf("session is connected elsewhere")}),
	}
	if err := c.write(refusal); err != nil && !netutil.IsExpectedCloseError(err) {
		c.logger.Debug("writing refusal", "error", err)
	}
	c.close(StatusSessionInUse, "session connected elsewhere")
}

// unbind releases the session after the reader has stopped. A
// connection that replaced this one keeps its subscriptions, its inbox
// attachment and its binding.
func (c *Conn) unbind() {
	if c.sessionID == "" {
		return
	}
	relay := c.relay
	relay.subscriptions.Detach(c.sessionID, c)
	relay.inbox.Detach(c.sessionID, c)
	relay.release(c.sessionID, c)
	relay.sessions.Unbind(c.sessionID)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.outbox.notify:
		}
		for {
			frame, ok := c.outbox.next()
			if !ok {
				break
			}
			if err := c.write(frame); err != nil {
				if !netutil.IsExpectedCloseError(err) {
					c.logger.Info("write failed", "error", err)
				}
				c.ws.CloseNow()
				return
			}
		}
	}
}

// keepalive pings the client every half timeout and drops the
// connection when a pong does not arrive within the other half. Pongs
// are processed by the reader, so an idle but responsive client stays
// connected however long it sends nothing.
func (c *Conn) keepalive(timeout time.Duration) {
	interval := timeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		pingContext, cancel := context.WithTimeout(c.ctx, interval)
		err := c.ws.Ping(pingContext)
		cancel()
		if err == nil {
			continue
		}
		if c.ctx.Err() == nil {
			c.logger.Info("keepalive failed, dropping connection", "error", err)
			c.ws.CloseNow()
		}
		return
	}
}

func (c *Conn) write(frame protocol.ServerFrame) error {
	data, err := protocol.EncodeServerFrame(frame)
	if err != nil {
		return fmt.Errorf("encoding server frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.relay.config.WriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageBinary, data)
}

// route stores one outgoing message of sender.
func (r *Relay) route(sender string, message protocol.OutgoingMessage, now time.Time) error {
	if message.IsInbox() {
		_, err := r.inbox.Enqueue(string(message.Recipient), sender, message.Payload, now, message.ExpiresAt)
		return err
	}
	_, err := r.store.Put(retention.Message{
		Sender:    sender,
		Recipient: retention.TopicRecipient(message.Topic),
		Payload:   message.Payload,
		SentAt:    now,
		ExpiresAt: message.ExpiresAt,
	}, now, r.subscriptions.Publish)
	return err
}
