// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bureau-foundation/signaling/lib/netutil"
	"github.com/bureau-foundation/signaling/lib/version"
	"github.com/bureau-foundation/signaling/protocol"
)

// frameBuffer is the capacity of the Frames channel.
const frameBuffer = 64

// readLimit bounds server frames. The relay merges at most 64
// messages of at most a few KB each into one frame.
const readLimit = 1 << 20

// Options configures Dial.
type Options struct {
	// RecoveryKey resumes an earlier session. Nil opens a new one.
	RecoveryKey []byte

	// HTTPClient is used for the upgrade request.
	HTTPClient *http.Client

	// Header is added to the upgrade request.
	Header http.Header

	Logger *slog.Logger
}

// Client is a connection to the relay bound to one session. Methods
// are safe for concurrent use.
type Client struct {
	ws     *websocket.Conn
	logger *slog.Logger

	sessionID      []byte
	recoveryKey    []byte
	resumed        bool
	initErrors     []string
	backlog        []protocol.Message
	maxExpiration  time.Duration
	maxMessageSize int

	frames chan protocol.ServerFrame
	done   chan struct{}

	closeOnce sync.Once
	closing   chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to the relay at url (ws:// or wss://) and initializes
// a session.
func Dial(ctx context.Context, url string, options Options) (*Client, error) {
	header := http.Header{}
	for name, values := range options.Header {
		header[name] = values
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", version.UserAgent("signaling-client"))
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: options.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	ws.SetReadLimit(readLimit)

	client := &Client{
		ws:      ws,
		logger:  logger,
		frames:  make(chan protocol.ServerFrame, frameBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	if err := client.initialize(ctx, options.RecoveryKey); err != nil {
		ws.CloseNow()
		return nil, err
	}
	go client.readLoop()
	return client, nil
}

func (c *Client) initialize(ctx context.Context, recoveryKey []byte) error {
	if err := c.send(ctx, protocol.InitFrame{RecoveryKey: recoveryKey}); err != nil {
		return err
	}
	frame, err := c.readFrame(ctx)
	if err != nil {
		return fmt.Errorf("reading init response: %w", err)
	}
	if !frame.IsInit() {
		if err := FrameError(frame); err != nil {
			return fmt.Errorf("relay refused session: %w", err)
		}
		return errors.New("relay sent a delivery frame before the init response")
	}

	c.sessionID = frame.SessionID
	c.recoveryKey = frame.RecoveryKey
	c.backlog = frame.Messages
	c.maxExpiration = time.Duration(frame.MaxExpiration) * time.Second
	c.maxMessageSize = int(frame.MaxMessageSize)
	for _, entry := range frame.Errors {
		c.initErrors = append(c.initErrors, entry.Message)
	}
	c.resumed = recoveryKey != nil && len(frame.Errors) == 0
	return nil
}

// SessionID returns the bound session's ID.
func (c *Client) SessionID() []byte { return c.sessionID }

// RecoveryKey returns the key that resumes this session next time.
func (c *Client) RecoveryKey() []byte { return c.recoveryKey }

// Resumed reports whether Dial's recovery key resumed the earlier
// session rather than opening a new one.
func (c *Client) Resumed() bool { return c.resumed }

// InitErrors returns the error messages of the init response.
func (c *Client) InitErrors() []string { return c.initErrors }

// Backlog returns the inbox messages delivered with the init response,
// in index order.
func (c *Client) Backlog() []protocol.Message { return c.backlog }

// MaxExpiration is the relay's retention bound.
func (c *Client) MaxExpiration() time.Duration { return c.maxExpiration }

// MaxMessageSize is the relay's payload bound in bytes.
func (c *Client) MaxMessageSize() int { return c.maxMessageSize }

// Frames returns the frames received after the init response. The
// channel is closed when the connection ends; Err then reports why.
func (c *Client) Frames() <-chan protocol.ServerFrame { return c.frames }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil while it is
// open or after a normal close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Publish sets the client's retained message on topic. A zero
// expiresAt requests the relay's maximum.
func (c *Client) Publish(ctx context.Context, topic, payload []byte, expiresAt time.Time) error {
	return c.Send(ctx, protocol.OutgoingMessage{Payload: nonNil(payload), Topic: topic, ExpiresAt: expiresAt})
}

// SendTo stores payload in the inbox of the session recipient.
func (c *Client) SendTo(ctx context.Context, recipient, payload []byte, expiresAt time.Time) error {
	return c.Send(ctx, protocol.OutgoingMessage{Payload: nonNil(payload), Recipient: recipient, ExpiresAt: expiresAt})
}

// Unpublish withdraws the client's retained message on topic.
func (c *Client) Unpublish(ctx context.Context, topic []byte) error {
	return c.Send(ctx, protocol.OutgoingMessage{Unsend: true, Topic: topic})
}

// Send sends messages in one frame.
func (c *Client) Send(ctx context.Context, messages ...protocol.OutgoingMessage) error {
	if len(messages) == 0 {
		return nil
	}
	return c.send(ctx, protocol.SendFrame{Messages: messages})
}

// Acknowledge deletes inbox messages up to and including index.
func (c *Client) Acknowledge(ctx context.Context, index uint64) error {
	return c.send(ctx, protocol.AcknowledgeFrame{Index: index})
}

// Subscribe requests a topic snapshot and, with Continuous set, later
// messages on the topic.
func (c *Client) Subscribe(ctx context.Context, request protocol.SubscribeFrame) error {
	return c.send(ctx, request)
}

// Unsubscribe stops continuous delivery of topic.
func (c *Client) Unsubscribe(ctx context.Context, topic []byte) error {
	return c.send(ctx, protocol.UnsubscribeFrame{Topic: topic})
}

// Close closes the connection normally. The session stays retained on
// the relay until its TTL runs out.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	<-c.done
	if err != nil && !netutil.IsExpectedCloseError(err) {
		return err
	}
	return nil
}

func (c *Client) send(ctx context.Context, frame protocol.ClientFrame) error {
	data, err := protocol.EncodeClientFrame(frame)
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *Client) readFrame(ctx context.Context) (protocol.ServerFrame, error) {
	messageType, data, err := c.ws.Read(ctx)
	if err != nil {
		return protocol.ServerFrame{}, err
	}
	if messageType != websocket.MessageBinary {
		return protocol.ServerFrame{}, fmt.Errorf("unexpected %v frame from relay", messageType)
	}
	return protocol.DecodeServerFrame(data)
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.frames)

	for {
		frame, err := c.readFrame(context.Background())
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				c.logger.Debug("relay connection ended", "error", err)
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}
		for _, entry := range frame.Errors {
			c.logger.Debug("relay reported error", "message", entry.Message)
		}
		select {
		case c.frames <- frame:
		case <-c.closing:
			return
		}
	}
}

// FrameError joins the error entries of a frame, or returns nil.
func FrameError(frame protocol.ServerFrame) error {
	errs := make([]error, 0, len(frame.Errors))
	for _, entry := range frame.Errors {
		errs = append(errs, errors.New(entry.Message))
	}
	return errors.Join(errs...)
}

func nonNil(payload []byte) []byte {
	if payload == nil {
		return []byte{}
	}
	return payload
}
