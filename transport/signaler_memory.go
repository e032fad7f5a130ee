// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
)

const memoryQueueSize = 16

// MemoryHub connects in-process signalers. Used by tests and by
// single-process tools that pair two endpoints.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints map[string]*MemorySignaler
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{endpoints: make(map[string]*MemorySignaler)}
}

// Signaler returns the signaler registered as identity, creating it
// on first use.
func (h *MemoryHub) Signaler(identity string) *MemorySignaler {
	h.mu.Lock()
	defer h.mu.Unlock()
	if signaler, ok := h.endpoints[identity]; ok {
		return signaler
	}
	signaler := &MemorySignaler{
		hub:      h,
		identity: identity,
		signals:  make(chan Signal, memoryQueueSize),
	}
	h.endpoints[identity] = signaler
	return signaler
}

func (h *MemoryHub) lookup(identity string) (*MemorySignaler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	signaler, ok := h.endpoints[identity]
	return signaler, ok
}

// MemorySignaler is a Signaler attached to a MemoryHub.
type MemorySignaler struct {
	hub      *MemoryHub
	identity string
	signals  chan Signal
}

var _ Signaler = (*MemorySignaler)(nil)

func (s *MemorySignaler) Identity() string { return s.identity }

// Send queues signal for peer. It blocks while the peer's queue is
// full.
func (s *MemorySignaler) Send(ctx context.Context, peer string, signal Signal) error {
	target, ok := s.hub.lookup(peer)
	if !ok {
		return fmt.Errorf("transport: no signaler registered as %q", peer)
	}
	signal.From = s.identity
	select {
	case target.signals <- signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MemorySignaler) Receive(ctx context.Context) (Signal, error) {
	select {
	case signal := <-s.signals:
		return signal, nil
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	}
}
