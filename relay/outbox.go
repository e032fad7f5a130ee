// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"slices"
	"sync"

	"github.com/bureau-foundation/signaling/protocol"
)

// maxMessagesPerFrame bounds how many queued messages the writer
// merges into one frame.
const maxMessagesPerFrame = 64

// outbox is a bounded FIFO of frames waiting for a connection's
// writer. Push never blocks: when the outbox holds capacity entries it
// either refuses the new entry or, with dropOldest, discards the
// oldest droppable entries to make room. The init response is never
// dropped.
//
// The notify channel (capacity 1) wakes the writer after a push.
type outbox struct {
	mu         sync.Mutex
	entries    []outboxEntry
	capacity   int
	dropOldest bool
	dropped    uint64
	notify     chan struct{}
}

type outboxEntry struct {
	frame protocol.ServerFrame
}

func (e outboxEntry) pinned() bool { return e.frame.IsInit() }

func newOutbox(capacity int, dropOldest bool) *outbox {
	if capacity <= 0 {
		panic(fmt.Sprintf("outbox: capacity must be positive, got %d", capacity))
	}
	return &outbox{
		capacity:   capacity,
		dropOldest: dropOldest,
		notify:     make(chan struct{}, 1),
	}
}

// push queues frame. It returns false when the outbox is full and
// frame was not queued.
func (o *outbox) push(frame protocol.ServerFrame) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry := outboxEntry{frame: frame}
	if len(o.entries) >= o.capacity {
		if !o.dropOldest || !o.evictOldestLocked() {
			if o.dropOldest {
				o.dropped++
			}
			return false
		}
	}
	o.entries = append(o.entries, entry)

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

// evictOldestLocked removes the oldest entry that is not pinned.
func (o *outbox) evictOldestLocked() bool {
	for i, entry := range o.entries {
		if entry.pinned() {
			continue
		}
		o.entries = slices.Delete(o.entries, i, i+1)
		o.dropped++
		return true
	}
	return false
}

// next removes and returns the next frame to write. An init response
// is returned alone; consecutive delivery and error entries are merged
// while the merged frame stays within maxMessagesPerFrame messages.
func (o *outbox) next() (protocol.ServerFrame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.entries) == 0 {
		return protocol.ServerFrame{}, false
	}
	frame := o.entries[0].frame
	taken := 1
	if !frame.IsInit() {
		// Batches may be shared between connections.
		frame.Errors = slices.Clip(frame.Errors)
		frame.Messages = slices.Clip(frame.Messages)
		for _, entry := range o.entries[1:] {
			if entry.pinned() || len(frame.Messages)+len(entry.frame.Messages) > maxMessagesPerFrame {
				break
			}
			frame.Errors = append(frame.Errors, entry.frame.Errors...)
			frame.Messages = append(frame.Messages, entry.frame.Messages...)
			taken++
		}
	}
	clear(o.entries[:taken])
	o.entries = o.entries[taken:]
	return frame, true
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func (o *outbox) droppedCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
