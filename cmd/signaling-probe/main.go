// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/signaling/lib/logging"
	"github.com/bureau-foundation/signaling/lib/process"
	"github.com/bureau-foundation/signaling/lib/version"
	"github.com/bureau-foundation/signaling/transport"
)

func main() {
	process.Exit(run(os.Args[1:]))
}

func run(args []string) error {
	var (
		options        probeOptions
		timeout        time.Duration
		iceServers     []string
		turnUsername   string
		turnCredential string
		logLevel       string
		showVersion    bool
	)

	flagSet := pflag.NewFlagSet("signaling-probe", pflag.ContinueOnError)
	flagSet.StringVar(&options.URL, "url", "", "relay WebSocket URL, e.g. wss://relay.example.net/ (required)")
	flagSet.StringVar(&options.Topic, "topic", "", "rendezvous topic (default: a random probe topic)")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	flagSet.StringSliceVar(&iceServers, "ice-server", nil, "STUN or TURN server URL (repeatable)")
	flagSet.StringVar(&turnUsername, "turn-username", "", "username for TURN servers")
	flagSet.StringVar(&turnCredential, "turn-credential", "", "credential for TURN servers")
	flagSet.BoolVar(&options.Health, "health", false, "also fetch the relay's /healthz counters")
	flagSet.StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		return &process.UsageError{Err: err}
	}
	if showVersion {
		fmt.Printf("signaling-probe %s\n", version.Info())
		return nil
	}
	if options.URL == "" {
		return process.Usagef("--url is required")
	}
	if options.Topic == "" {
		options.Topic = "signaling-probe/" + uuid.NewString()
	}

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return &process.UsageError{Err: err}
	}
	options.Logger, err = logging.NewWriter(os.Stderr, level, logging.FormatAuto)
	if err != nil {
		return err
	}
	options.ICE, err = transport.ParseICEServers(iceServers, turnUsername, turnCredential)
	if err != nil {
		return &process.UsageError{Err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := probe(ctx, options)
	if err != nil {
		return err
	}

	fmt.Printf("offerer session   %s\n", result.Offerer)
	fmt.Printf("answerer session  %s\n", result.Answerer)
	fmt.Printf("rendezvous        %s\n", result.Rendezvous.Round(time.Millisecond))
	fmt.Printf("handshake         %s\n", result.Handshake.Round(time.Millisecond))
	fmt.Printf("echo round trip   %s\n", result.RoundTrip.Round(time.Microsecond))
	if result.Health != nil {
		health := result.Health
		fmt.Printf("relay health      %s: %d sessions, %d connections, %d recipients, %d messages, %d evicted\n",
			health.Status, health.Sessions, health.Connections, health.Recipients, health.Messages, health.Evicted)
	}
	return nil
}
