// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/bureau-foundation/signaling/client"
	"github.com/bureau-foundation/signaling/lib/clock"
	"github.com/bureau-foundation/signaling/lib/netutil"
	"github.com/bureau-foundation/signaling/lib/testutil"
	"github.com/bureau-foundation/signaling/protocol"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const wait = 5 * time.Second

type harness struct {
	relay  *Relay
	clock  *clock.FakeClock
	server *httptest.Server
	url    string
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	fake := clock.Fake(epoch)
	config := Config{
		Limits:        protocol.DefaultLimits(),
		Clock:         fake,
		SweepInterval: 10 * time.Second,
		OutboxSize:    64,
	}
	for _, apply := range mutate {
		apply(&config)
	}
	relay, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	server := httptest.NewServer(relay.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		relay.Shutdown(ctx)
		server.Close()
	})
	return &harness{
		relay:  relay,
		clock:  fake,
		server: server,
		url:    "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (h *harness) dial(t *testing.T, recoveryKey []byte) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	c, err := client.Dial(ctx, h.url, client.Options{RecoveryKey: recoveryKey})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	t.Cleanup(cancel)
	return ctx
}

// collect reads frames until done reports true for everything
// received so far, and returns the messages and error messages.
func collect(t *testing.T, c *client.Client, done func(messages []protocol.Message, errs []string) bool) ([]protocol.Message, []string) {
	t.Helper()
	var messages []protocol.Message
	var errs []string
	for !done(messages, errs) {
		frame := testutil.RequireReceive(t, c.Frames(), wait, "waiting for a relay frame")
		messages = append(messages, frame.Messages...)
		for _, entry := range frame.Errors {
			errs = append(errs, entry.Message)
		}
	}
	return messages, errs
}

func untilMessages(n int) func([]protocol.Message, []string) bool {
	return func(messages []protocol.Message, _ []string) bool { return len(messages) >= n }
}

func untilErrors(n int) func([]protocol.Message, []string) bool {
	return func(_ []protocol.Message, errs []string) bool { return len(errs) >= n }
}

// subscribeAndSync subscribes c continuously to topic and returns
// once c has seen its own sync message there, which proves the
// subscription is registered.
func subscribeAndSync(t *testing.T, c *client.Client, topic string) {
	t.Helper()
	ctx := testContext(t)
	if err := c.Subscribe(ctx, protocol.SubscribeFrame{Topic: []byte(topic), Continuous: true}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	token := testutil.UniqueID("sync")
	if err := c.Publish(ctx, []byte(topic), []byte(token), time.Time{}); err != nil {
		t.Fatalf("Publish sync message: %v", err)
	}
	collect(t, c, func(messages []protocol.Message, errs []string) bool {
		if len(errs) > 0 {
			t.Fatalf("errors while syncing subscription: %v", errs)
		}
		return slices.ContainsFunc(messages, func(m protocol.Message) bool { return string(m.Payload) == token })
	})
}

func payloadsOf(messages []protocol.Message) []string {
	payloads := make([]string, len(messages))
	for i, message := range messages {
		payloads[i] = string(message.Payload)
	}
	return payloads
}

func TestInitOpensSessionAndAdvertisesLimits(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, nil)

	if len(c.SessionID()) != protocol.SessionIDSize {
		t.Errorf("session ID has %d bytes", len(c.SessionID()))
	}
	if len(c.RecoveryKey()) != protocol.RecoveryKeySize {
		t.Errorf("recovery key has %d bytes", len(c.RecoveryKey()))
	}
	if c.Resumed() || len(c.InitErrors()) != 0 {
		t.Errorf("fresh session: resumed=%v errors=%v", c.Resumed(), c.InitErrors())
	}
	if c.MaxExpiration() != 5*time.Minute {
		t.Errorf("max expiration = %v, want 5m", c.MaxExpiration())
	}
	if c.MaxMessageSize() != 1024 {
		t.Errorf("max message size = %d, want 1024", c.MaxMessageSize())
	}
	if stats := h.relay.Stats(); stats.Sessions != 1 || stats.Connections != 1 {
		t.Errorf("stats = %+v, want one session and one connection", stats)
	}
}

func TestStaleRecoveryKeyOpensNewSession(t *testing.T) {
	h := newHarness(t)

	stale := make([]byte, protocol.RecoveryKeySize)
	rand.Read(stale)
	c := h.dial(t, stale)

	if c.Resumed() {
		t.Error("unknown recovery key reported as resumed")
	}
	if len(c.InitErrors()) != 1 || c.InitErrors()[0] != protocol.SessionLost().Message {
		t.Errorf("init errors = %v, want the session lost error", c.InitErrors())
	}
	if len(c.SessionID()) != protocol.SessionIDSize {
		t.Fatal("no session issued for a stale key")
	}

	// The connection stays usable.
	subscribeAndSync(t, c, testutil.UniqueID("room"))
}

func TestRecoveryResumesSessionAndRotatesKey(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, nil)
	firstKey := first.RecoveryKey()
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := h.dial(t, firstKey)
	if !second.Resumed() {
		t.Fatalf("recovery not resumed, init errors %v", second.InitErrors())
	}
	if !bytes.Equal(second.SessionID(), first.SessionID()) {
		t.Error("recovery changed the session ID")
	}
	if bytes.Equal(second.RecoveryKey(), firstKey) {
		t.Error("recovery key was not rotated")
	}
}

func TestContinuousSubscriptionDeliversUntilStopped(t *testing.T) {
	h := newHarness(t)
	publisher := h.dial(t, nil)
	subscriber := h.dial(t, nil)
	ctx := testContext(t)
	topic := testutil.UniqueID("room")
	marker := testutil.UniqueID("marker")

	subscribeAndSync(t, subscriber, topic)

	if err := publisher.Publish(ctx, []byte(topic), []byte("x"), time.Time{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	messages, _ := collect(t, subscriber, untilMessages(1))
	if got := payloadsOf(messages); len(got) != 1 || got[0] != "x" {
		t.Fatalf("delivered %v, want [x]", got)
	}
	if !bytes.Equal(messages[0].Sender, publisher.SessionID()) || string(messages[0].Topic) != topic {
		t.Errorf("delivered message = %+v", messages[0])
	}
	if messages[0].SentAt != protocol.UnixSeconds(epoch) || messages[0].ExpiresAt != protocol.UnixSeconds(epoch.Add(5*time.Minute)) {
		t.Errorf("timestamps = %d/%d", messages[0].SentAt, messages[0].ExpiresAt)
	}

	if err := subscriber.Unsubscribe(ctx, []byte(topic)); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	subscribeAndSync(t, subscriber, marker)

	// y and the marker travel in one frame, so y is routed first.
	err := publisher.Send(ctx,
		protocol.OutgoingMessage{Payload: []byte("y"), Topic: []byte(topic)},
		protocol.OutgoingMessage{Payload: []byte("after-y"), Topic: []byte(marker)},
	)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	messages, _ = collect(t, subscriber, untilMessages(1))
	if got := payloadsOf(messages); len(got) != 1 || got[0] != "after-y" {
		t.Errorf("after unsubscribe received %v, want only the marker", got)
	}
	testutil.RequireNoReceive(t, subscriber.Frames(), 100*time.Millisecond, "delivery after unsubscribe")
}

func TestIdleSubscriberOutlivesReadTimeout(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.ReadTimeout = 300 * time.Millisecond })
	publisher := h.dial(t, nil)
	subscriber := h.dial(t, nil)
	topic := testutil.UniqueID("room")
	subscribeAndSync(t, subscriber, topic)

	// Several keepalive rounds pass with no client traffic.
	time.Sleep(time.Second)

	if err := publisher.Publish(testContext(t), []byte(topic), []byte("late"), time.Time{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	messages, _ := collect(t, subscriber, untilMessages(1))
	if got := payloadsOf(messages); len(got) != 1 || got[0] != "late" {
		t.Errorf("idle subscriber received %v, want [late]", got)
	}
	if got := h.relay.subscriptions.Subscribers([]byte(topic)); got != 1 {
		t.Errorf("subscribers = %d, want 1", got)
	}
}

func TestUnresponsiveConnectionIsDropped(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.ReadTimeout = 200 * time.Millisecond })
	ctx := testContext(t)

	// Without a pending Read, this end never answers pings.
	ws, _, err := websocket.Dial(ctx, h.url, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer ws.CloseNow()

	time.Sleep(time.Second)

	// The relay has given up on this end, so reading finds it gone
	// rather than waiting for a frame.
	readContext, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if _, _, err := ws.Read(readContext); err == nil || readContext.Err() != nil {
		t.Fatalf("Read = %v, want the relay to have dropped the connection", err)
	}
	testutil.RequireEventually(t, wait, func() bool {
		return h.relay.Stats().Connections == 0
	}, "waiting for the unresponsive connection to be dropped")
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	h := newHarness(t)
	subscriber := h.dial(t, nil)
	topic := testutil.UniqueID("room")
	subscribeAndSync(t, subscriber, topic)

	if got := h.relay.subscriptions.Subscribers([]byte(topic)); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}
	subscriber.Close()
	testutil.RequireEventually(t, wait, func() bool {
		return h.relay.subscriptions.Subscribers([]byte(topic)) == 0
	}, "subscription removed after disconnect")
}

func TestFreshSubscriberSeesOnlyLatestMessagePerSender(t *testing.T) {
	h := newHarness(t)
	publisher := h.dial(t, nil)
	ctx := testContext(t)
	topic := testutil.UniqueID("room")

	subscribeAndSync(t, publisher, topic)
	for _, payload := range []string{"x", "y"} {
		if err := publisher.Publish(ctx, []byte(topic), []byte(payload), time.Time{}); err != nil {
			t.Fatalf("Publish %s: %v", payload, err)
		}
	}
	collect(t, publisher, untilMessages(2))

	fresh := h.dial(t, nil)
	if err := fresh.Subscribe(ctx, protocol.SubscribeFrame{Topic: []byte(topic)}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	messages, _ := collect(t, fresh, untilMessages(1))
	if got := payloadsOf(messages); len(got) != 1 || got[0] != "y" {
		t.Errorf("snapshot = %v, want [y]", got)
	}
}

func TestInboxIndicesIncreaseAcrossSenders(t *testing.T) {
	h := newHarness(t)
	recipient := h.dial(t, nil)
	senders := []*client.Client{h.dial(t, nil), h.dial(t, nil)}
	ctx := testContext(t)

	for round := range 3 {
		for i, sender := range senders {
			payload := []byte{byte('a' + i), byte('0' + round)}
			if err := sender.SendTo(ctx, recipient.SessionID(), payload, time.Time{}); err != nil {
				t.Fatalf("SendTo: %v", err)
			}
		}
	}

	messages, _ := collect(t, recipient, untilMessages(6))
	for i, message := range messages {
		if message.Index == 0 {
			t.Fatalf("inbox message %d has no index", i)
		}
		if i > 0 && message.Index <= messages[i-1].Index {
			t.Errorf("index %d delivered after %d", message.Index, messages[i-1].Index)
		}
	}
}

func TestUnacknowledgedInboxMessageIsRedelivered(t *testing.T) {
	h := newHarness(t)
	recipient := h.dial(t, nil)
	sender := h.dial(t, nil)
	ctx := testContext(t)

	for i := 1; i <= 5; i++ {
		if err := sender.SendTo(ctx, recipient.SessionID(), []byte{byte('0' + i)}, time.Time{}); err != nil {
			t.Fatalf("SendTo: %v", err)
		}
	}
	live, _ := collect(t, recipient, untilMessages(5))
	if last := live[4]; last.Index != 5 || string(last.Payload) != "5" {
		t.Fatalf("fifth live message = %+v, want index 5", last)
	}
	recipient.Close()

	// One sender keeps one retained message per recipient, so the
	// backlog holds index 5 only.
	resumed := h.dial(t, recipient.RecoveryKey())
	backlog := resumed.Backlog()
	if len(backlog) != 1 || backlog[0].Index != 5 || !bytes.Equal(backlog[0].Sender, sender.SessionID()) {
		t.Fatalf("backlog after reconnect = %+v, want index 5 from the sender", backlog)
	}

	// Acknowledging below the retained index changes nothing.
	if err := resumed.Acknowledge(ctx, 4); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	resumed.Close()
	again := h.dial(t, resumed.RecoveryKey())
	if backlog := again.Backlog(); len(backlog) != 1 || backlog[0].Index != 5 {
		t.Fatalf("backlog after acknowledging 4 = %+v, want index 5", backlog)
	}

	if err := again.Acknowledge(ctx, 5); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	again.Close()
	final := h.dial(t, again.RecoveryKey())
	if !final.Resumed() {
		t.Fatalf("final reconnect not resumed: %v", final.InitErrors())
	}
	if backlog := final.Backlog(); len(backlog) != 0 {
		t.Errorf("backlog after acknowledging 5 = %+v, want empty", backlog)
	}
}

func TestInboxToUnknownSessionIsReportedNotFatal(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, nil)
	ctx := testContext(t)

	unknown := make([]byte, protocol.SessionIDSize)
	rand.Read(unknown)
	if err := c.SendTo(ctx, unknown, []byte("hello"), time.Time{}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	_, errs := collect(t, c, untilErrors(1))
	if errs[0] != "recipient session not found" {
		t.Errorf("error = %q", errs[0])
	}

	subscribeAndSync(t, c, testutil.UniqueID("room"))
}

func TestRejectedMessageDoesNotBlockOthersInFrame(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, nil)
	ctx := testContext(t)
	topic := testutil.UniqueID("room")
	subscribeAndSync(t, c, topic)

	err := c.Send(ctx,
		protocol.OutgoingMessage{Payload: make([]byte, 2000), Topic: []byte(topic)},
		protocol.OutgoingMessage{Payload: []byte("fits"), Topic: []byte(topic)},
	)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	messages, errs := collect(t, c, func(messages []protocol.Message, errs []string) bool {
		return len(messages) >= 1 && len(errs) >= 1
	})
	if got := payloadsOf(messages); len(got) != 1 || got[0] != "fits" {
		t.Errorf("delivered %v, want [fits]", got)
	}
	if !strings.Contains(errs[0], "exceeds 1024") {
		t.Errorf("error = %q", errs[0])
	}
}

func TestSubscriptionLimit(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.Limits.MaxSubscriptions = 2 })
	c := h.dial(t, nil)
	ctx := testContext(t)

	for i := range 3 {
		topic := []byte(testutil.UniqueID("room"))
		if err := c.Subscribe(ctx, protocol.SubscribeFrame{Topic: topic, Continuous: true}); err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
	}
	_, errs := collect(t, c, untilErrors(1))
	if errs[0] != protocol.SubscriptionLimit(2).Message {
		t.Errorf("error = %q", errs[0])
	}
	if got := h.relay.subscriptions.Count(string(c.SessionID())); got != 2 {
		t.Errorf("subscriptions = %d, want 2", got)
	}
}

func TestRateLimitRejectsExcessFrames(t *testing.T) {
	h := newHarness(t, func(config *Config) {
		config.FramesPerSecond = 1
		config.FrameBurst = 2
	})
	c := h.dial(t, nil)
	ctx := testContext(t)

	// The init frame and this acknowledgement spend the burst; the
	// fake clock never refills it.
	if err := c.Acknowledge(ctx, 0); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := c.Publish(ctx, []byte("room"), []byte("x"), time.Time{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_, errs := collect(t, c, untilErrors(1))
	if errs[0] != protocol.RateLimited().Message {
		t.Errorf("error = %q", errs[0])
	}
	if stats := h.relay.Stats(); stats.Messages != 0 {
		t.Errorf("rate-limited publish was stored: %+v", stats)
	}
}

func TestDuplicateSessionEvictsOlderConnection(t *testing.T) {
	h := newHarness(t)
	older := h.dial(t, nil)
	sender := h.dial(t, nil)

	newer := h.dial(t, older.RecoveryKey())
	if !newer.Resumed() {
		t.Fatalf("recovery while connected not resumed: %v", newer.InitErrors())
	}

	testutil.RequireClosed(t, older.Done(), wait, "older connection evicted")
	if status := websocket.CloseStatus(older.Err()); status != StatusSessionResumed {
		t.Errorf("older close status = %v, want %v", status, StatusSessionResumed)
	}

	// The evicted connection's teardown leaves the newer inbox intact.
	if err := sender.SendTo(testContext(t), newer.SessionID(), []byte("still here"), time.Time{}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	messages, _ := collect(t, newer, untilMessages(1))
	if string(messages[0].Payload) != "still here" {
		t.Errorf("payload = %q", messages[0].Payload)
	}
}

func TestDuplicateSessionRejectKeepsKeyValid(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.DuplicateSession = Reject })
	holder := h.dial(t, nil)

	ctx := testContext(t)
	_, err := client.Dial(ctx, h.url, client.Options{RecoveryKey: holder.RecoveryKey()})
	if err == nil || !strings.Contains(err.Error(), "connected elsewhere") {
		t.Fatalf("second Dial = %v, want refusal", err)
	}

	subscribeAndSync(t, holder, testutil.UniqueID("room"))

	holder.Close()
	testutil.RequireEventually(t, wait, func() bool { return h.relay.holder(string(holder.SessionID())) == nil },
		"holder released")
	resumed := h.dial(t, holder.RecoveryKey())
	if !resumed.Resumed() {
		t.Errorf("key unusable after a refused recovery: %v", resumed.InitErrors())
	}
}

func TestMalformedFrameClosesConnectionButKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	ws, _, err := websocket.Dial(ctx, h.url, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer ws.CloseNow()

	initFrame, _ := protocol.EncodeClientFrame(protocol.InitFrame{})
	if err := ws.Write(ctx, websocket.MessageBinary, initFrame); err != nil {
		t.Fatalf("Write init: %v", err)
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read init response: %v", err)
	}
	response, err := protocol.DecodeServerFrame(data)
	if err != nil || !response.IsInit() {
		t.Fatalf("init response = %+v, %v", response, err)
	}

	if err := ws.Write(ctx, websocket.MessageBinary, []byte{0xff}); err != nil {
		t.Fatalf("Write garbage: %v", err)
	}
	_, _, err = ws.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusInvalidFramePayloadData {
		t.Fatalf("close status = %v (%v), want %v", status, err, websocket.StatusInvalidFramePayloadData)
	}

	resumed := h.dial(t, response.RecoveryKey)
	if !resumed.Resumed() || !bytes.Equal(resumed.SessionID(), response.SessionID) {
		t.Errorf("session lost after malformed frame: %v", resumed.InitErrors())
	}
}

func TestNonMapFrameIsReportedNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	ws, _, err := websocket.Dial(ctx, h.url, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer ws.CloseNow()

	initFrame, _ := protocol.EncodeClientFrame(protocol.InitFrame{})
	if err := ws.Write(ctx, websocket.MessageBinary, initFrame); err != nil {
		t.Fatalf("Write init: %v", err)
	}
	if _, _, err := ws.Read(ctx); err != nil {
		t.Fatalf("Read init response: %v", err)
	}

	// [1]: well-formed CBOR, but an array.
	if err := ws.Write(ctx, websocket.MessageBinary, []byte{0x81, 0x01}); err != nil {
		t.Fatalf("Write array frame: %v", err)
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("connection closed after a non-map frame: %v", err)
	}
	response, err := protocol.DecodeServerFrame(data)
	if err != nil {
		t.Fatalf("DecodeServerFrame: %v", err)
	}
	if len(response.Errors) != 1 || !strings.Contains(response.Errors[0].Message, "must be a map") {
		t.Fatalf("errors = %+v, want one map shape error", response.Errors)
	}

	// The connection is still bound and processing frames.
	if err := ws.Write(ctx, websocket.MessageBinary, initFrame); err != nil {
		t.Fatalf("Write second init: %v", err)
	}
	_, data, err = ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read after non-map frame: %v", err)
	}
	response, err = protocol.DecodeServerFrame(data)
	if err != nil || len(response.Errors) != 1 || response.Errors[0].Message != "session already initialized" {
		t.Fatalf("second init response = %+v, %v", response, err)
	}
	if stats := h.relay.Stats(); stats.Connections != 1 {
		t.Errorf("connections = %d, want 1", stats.Connections)
	}
}

func TestTextFrameClosesConnection(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	ws, _, err := websocket.Dial(ctx, h.url, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer ws.CloseNow()

	if err := ws.Write(ctx, websocket.MessageText, []byte("{}")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, _, err = ws.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusUnsupportedData {
		t.Errorf("close status = %v, want %v", status, websocket.StatusUnsupportedData)
	}
}

func TestFrameBeforeInitIsReported(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	ws, _, err := websocket.Dial(ctx, h.url, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer ws.CloseNow()

	ack, _ := protocol.EncodeClientFrame(protocol.AcknowledgeFrame{Index: 1})
	if err := ws.Write(ctx, websocket.MessageBinary, ack); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	frame, err := protocol.DecodeServerFrame(data)
	if err != nil {
		t.Fatalf("DecodeServerFrame: %v", err)
	}
	if len(frame.Errors) != 1 || !strings.Contains(frame.Errors[0].Message, "init") {
		t.Errorf("frame = %+v, want an error asking for init", frame)
	}
}

func TestSweepCascadesExpiredSessions(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.Limits.SessionTTL = time.Minute })
	c := h.dial(t, nil)
	topic := testutil.UniqueID("room")
	subscribeAndSync(t, c, topic)

	c.Close()
	testutil.RequireEventually(t, wait, func() bool { return h.relay.Stats().Connections == 0 }, "connection teardown")
	if stats := h.relay.Stats(); stats.Sessions != 1 || stats.Messages != 1 {
		t.Fatalf("stats before sweep = %+v", stats)
	}

	// The message would live until 5m; the session lapses at 1m.
	h.relay.Sweep(epoch.Add(2 * time.Minute))
	if stats := h.relay.Stats(); stats.Sessions != 0 || stats.Messages != 0 {
		t.Errorf("stats after sweep = %+v, want nothing left", stats)
	}

	resumed := h.dial(t, c.RecoveryKey())
	if resumed.Resumed() {
		t.Error("expired session was resumed")
	}
}

func TestRunSweepsOnTicker(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, nil)
	if err := c.Publish(testContext(t), []byte("room"), []byte("x"), time.Time{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	testutil.RequireEventually(t, wait, func() bool { return h.relay.Stats().Messages == 1 }, "message stored")

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.relay.Run(ctx) }()
	h.clock.WaitForTimers(1)

	// The connected session survives; its expired message does not.
	h.clock.Advance(10 * time.Minute)
	testutil.RequireEventually(t, wait, func() bool { return h.relay.Stats().Messages == 0 }, "expired message swept")
	if stats := h.relay.Stats(); stats.Sessions != 1 {
		t.Errorf("bound session expired: %+v", stats)
	}

	cancel()
	if err := testutil.RequireReceive(t, runDone, wait, "Run returning"); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	h.dial(t, nil)

	response, err := http.Get(h.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", response.StatusCode, netutil.ErrorBody(response.Body))
	}
	var health healthResponse
	if err := netutil.DecodeResponse(response.Body, &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health.Status != "ok" || health.Sessions != 1 || health.Connections != 1 {
		t.Errorf("health = %+v", health)
	}
}

func TestShutdownDisconnectsClientsAndRefusesNewOnes(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, nil)

	if err := h.relay.Shutdown(testContext(t)); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	testutil.RequireClosed(t, c.Done(), wait, "client disconnected by Shutdown")
	if err := c.Err(); err != nil {
		t.Errorf("client error after relay shutdown = %v, want a going-away close", err)
	}

	ctx := testContext(t)
	if late, err := client.Dial(ctx, h.url, client.Options{}); err == nil {
		late.Close()
		t.Error("Dial succeeded after Shutdown")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	base := Config{
		Limits:        protocol.DefaultLimits(),
		Clock:         clock.Fake(epoch),
		SweepInterval: time.Second,
		OutboxSize:    1,
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no clock", func(c *Config) { c.Clock = nil }},
		{"bad limits", func(c *Config) { c.Limits.MaxBacklog = 0 }},
		{"no sweep interval", func(c *Config) { c.SweepInterval = 0 }},
		{"no outbox", func(c *Config) { c.OutboxSize = 0 }},
		{"unknown backpressure", func(c *Config) { c.Backpressure = "block" }},
		{"unknown duplicate policy", func(c *Config) { c.DuplicateSession = "merge" }},
		{"rate without burst", func(c *Config) { c.FramesPerSecond = 5 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := base
			test.mutate(&config)
			if _, err := New(config); err == nil {
				t.Error("New accepted an invalid config")
			}
		})
	}

	relay, err := New(base)
	if err != nil {
		t.Fatalf("New(valid): %v", err)
	}
	if relay.config.Backpressure != Disconnect || relay.config.DuplicateSession != Evict {
		t.Errorf("default policies = %q/%q", relay.config.Backpressure, relay.config.DuplicateSession)
	}
}
