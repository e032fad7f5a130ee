// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// DataChannelConn is a detached data channel presented as a net.Conn.
// SCTP reassembles messages, so reads and writes behave like a stream.
//
// A deadline that fires closes the channel: pending and later I/O
// fails with os.ErrDeadlineExceeded and the conn cannot be reused.
type DataChannelConn struct {
	rwc    io.ReadWriteCloser
	local  dataChannelAddr
	remote dataChannelAddr

	mu      sync.Mutex
	timers  [2]*time.Timer
	expired bool
}

const (
	readDeadline = iota
	writeDeadline
)

var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps rwc. The labels name the two ends in
// LocalAddr and RemoteAddr.
func NewDataChannelConn(rwc io.ReadWriteCloser, localLabel, remoteLabel string) *DataChannelConn {
	return &DataChannelConn{
		rwc:    rwc,
		local:  dataChannelAddr(localLabel),
		remote: dataChannelAddr(remoteLabel),
	}
}

func (c *DataChannelConn) Read(buffer []byte) (int, error) {
	n, err := c.rwc.Read(buffer)
	return n, c.translate(err)
}

func (c *DataChannelConn) Write(buffer []byte) (int, error) {
	n, err := c.rwc.Write(buffer)
	return n, c.translate(err)
}

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	for i, timer := range c.timers {
		if timer != nil {
			timer.Stop()
			c.timers[i] = nil
		}
	}
	c.mu.Unlock()
	return c.rwc.Close()
}

func (c *DataChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *DataChannelConn) RemoteAddr() net.Addr { return c.remote }

func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(readDeadline, deadline)
	c.armLocked(writeDeadline, deadline)
	return nil
}

func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(readDeadline, deadline)
	return nil
}

func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(writeDeadline, deadline)
	return nil
}

// armLocked replaces the timer for one direction. A zero deadline
// clears it.
func (c *DataChannelConn) armLocked(direction int, deadline time.Time) {
	if timer := c.timers[direction]; timer != nil {
		timer.Stop()
		c.timers[direction] = nil
	}
	if deadline.IsZero() || c.expired {
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		c.expireLocked()
		return
	}
	c.timers[direction] = time.AfterFunc(remaining, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.expireLocked()
	})
}

func (c *DataChannelConn) expireLocked() {
	if c.expired {
		return
	}
	c.expired = true
	c.rwc.Close()
}

func (c *DataChannelConn) translate(err error) error {
	if err == nil {
		return nil
	}
	c.mu.Lock()
	expired := c.expired
	c.mu.Unlock()
	if expired {
		return os.ErrDeadlineExceeded
	}
	return err
}

// dataChannelAddr is the label of one end of a data channel.
type dataChannelAddr string

func (a dataChannelAddr) Network() string { return "webrtc" }
func (a dataChannelAddr) String() string  { return string(a) }
