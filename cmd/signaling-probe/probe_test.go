// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/signaling/lib/clock"
	"github.com/bureau-foundation/signaling/lib/process"
	"github.com/bureau-foundation/signaling/lib/testutil"
	"github.com/bureau-foundation/signaling/protocol"
	"github.com/bureau-foundation/signaling/relay"
)

func TestProbeAgainstRelay(t *testing.T) {
	limits := protocol.DefaultLimits()
	limits.MaxMessageSize = 16 << 10
	server, err := relay.New(relay.Config{
		Limits:        limits,
		Clock:         clock.Real(),
		SweepInterval: time.Minute,
		OutboxSize:    64,
	})
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	result, err := probe(ctx, probeOptions{
		URL:    "ws" + strings.TrimPrefix(httpServer.URL, "http"),
		Topic:  testutil.UniqueID("probe"),
		Health: true,
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}

	if len(result.Offerer) != 2*protocol.SessionIDSize || len(result.Answerer) != 2*protocol.SessionIDSize {
		t.Errorf("session identities = %q, %q", result.Offerer, result.Answerer)
	}
	if result.Offerer == result.Answerer {
		t.Error("offerer and answerer share a session")
	}
	if result.RoundTrip <= 0 {
		t.Errorf("RoundTrip = %v", result.RoundTrip)
	}
	if result.Health == nil || result.Health.Status != "ok" {
		t.Fatalf("Health = %+v", result.Health)
	}
	if result.Health.Connections != 2 {
		t.Errorf("healthz reports %d connections during the probe, want 2", result.Health.Connections)
	}
}

func TestProbeRejectsUnreachableRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := probe(ctx, probeOptions{URL: "ws://127.0.0.1:1/", Topic: "t"}); err == nil {
		t.Fatal("probe of a closed port succeeded")
	}
}

func TestHealthURL(t *testing.T) {
	for input, want := range map[string]string{
		"ws://localhost:8080/":             "http://localhost:8080/healthz",
		"wss://relay.example.net/signal?x": "https://relay.example.net/healthz",
		"https://relay.example.net":        "https://relay.example.net/healthz",
	} {
		got, err := healthURL(input)
		if err != nil {
			t.Errorf("healthURL(%q): %v", input, err)
			continue
		}
		if got != want {
			t.Errorf("healthURL(%q) = %q, want %q", input, got, want)
		}
	}
	if _, err := healthURL("ftp://relay.example.net"); err == nil {
		t.Error("healthURL accepted ftp")
	}
}

func TestRunRequiresURL(t *testing.T) {
	if code := process.ExitCode(run(nil)); code != process.ExitUsage {
		t.Errorf("exit code without --url = %d, want %d", code, process.ExitUsage)
	}
	if code := process.ExitCode(run([]string{"--url", "ws://localhost/", "--ice-server", "http://example.net"})); code != process.ExitUsage {
		t.Errorf("exit code with a bad ICE server = %d, want %d", code, process.ExitUsage)
	}
}
