// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("reading frame: %w", io.EOF), true},
		{"closed", net.ErrClosed, true},
		{"canceled", context.Canceled, true},
		{"reset", syscall.ECONNRESET, true},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"refused", syscall.ECONNREFUSED, false},
		{"other", fmt.Errorf("protocol violation"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsExpectedCloseError(test.err); got != test.want {
				t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}

func TestListenReusePort(t *testing.T) {
	first, err := Listen(context.Background(), "127.0.0.1:0", ListenOptions{ReusePort: true})
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	defer first.Close()

	// A second socket on the same port only binds when both set the
	// option.
	second, err := Listen(context.Background(), first.Addr().String(), ListenOptions{ReusePort: true})
	if err != nil {
		t.Fatalf("second Listen on %s: %v", first.Addr(), err)
	}
	second.Close()
}

func TestListenWithoutReusePortConflicts(t *testing.T) {
	first, err := Listen(context.Background(), "127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer first.Close()

	if second, err := Listen(context.Background(), first.Addr().String(), ListenOptions{}); err == nil {
		second.Close()
		t.Fatalf("second Listen on %s succeeded without SO_REUSEPORT", first.Addr())
	}
}
