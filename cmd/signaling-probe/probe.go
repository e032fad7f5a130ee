// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bureau-foundation/signaling/client"
	"github.com/bureau-foundation/signaling/lib/netutil"
	"github.com/bureau-foundation/signaling/lib/version"
	"github.com/bureau-foundation/signaling/transport"
)

const echoMessage = "signaling-probe echo"

type probeOptions struct {
	URL    string
	Topic  string
	ICE    transport.ICEConfig
	Health bool
	Logger *slog.Logger
}

type probeResult struct {
	Offerer  string
	Answerer string

	// Rendezvous is the time from announcing to discovery.
	Rendezvous time.Duration

	// Handshake is the time from discovery to an open data channel.
	Handshake time.Duration

	RoundTrip time.Duration

	Health *healthReport
}

// healthReport mirrors the relay's /healthz body.
type healthReport struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	Recipients  int    `json:"recipients"`
	Messages    int    `json:"messages"`
	Evicted     uint64 `json:"evicted"`
}

type acceptResult struct {
	link *transport.Link
	err  error
}

func probe(ctx context.Context, options probeOptions) (probeResult, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	topic := []byte(options.Topic)

	answererClient, err := client.Dial(ctx, options.URL, client.Options{Logger: logger})
	if err != nil {
		return probeResult{}, fmt.Errorf("answerer: %w", err)
	}
	defer answererClient.Close()
	offererClient, err := client.Dial(ctx, options.URL, client.Options{Logger: logger})
	if err != nil {
		return probeResult{}, fmt.Errorf("offerer: %w", err)
	}
	defer offererClient.Close()

	answerer := transport.NewRelaySignaler(answererClient, logger.With("role", "answerer"))
	defer answerer.Close()
	offerer := transport.NewRelaySignaler(offererClient, logger.With("role", "offerer"))
	defer offerer.Close()

	result := probeResult{Offerer: offerer.Identity(), Answerer: answerer.Identity()}

	start := time.Now()
	if err := answerer.Announce(ctx, topic); err != nil {
		return result, fmt.Errorf("announcing: %w", err)
	}
	defer func() {
		withdrawContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := answerer.Withdraw(withdrawContext, topic); err != nil {
			logger.Warn("withdrawing announcement failed", "error", err)
		}
	}()

	accepted := make(chan acceptResult, 1)
	go func() {
		link, err := transport.NewEndpoint(answerer, options.ICE, logger.With("role", "answerer")).Accept(ctx)
		accepted <- acceptResult{link, err}
	}()

	peer, err := offerer.Discover(ctx, topic)
	if err != nil {
		return result, fmt.Errorf("discovering answerer: %w", err)
	}
	if peer != answerer.Identity() {
		return result, fmt.Errorf("discovered %s on %q, expected the probe's answerer %s", peer, options.Topic, answerer.Identity())
	}
	result.Rendezvous = time.Since(start)

	start = time.Now()
	link, err := transport.NewEndpoint(offerer, options.ICE, logger.With("role", "offerer")).Dial(ctx, peer)
	if err != nil {
		return result, err
	}
	defer link.Close()

	var remote acceptResult
	select {
	case remote = <-accepted:
	case <-ctx.Done():
		return result, ctx.Err()
	}
	if remote.err != nil {
		return result, remote.err
	}
	defer remote.link.Close()
	result.Handshake = time.Since(start)

	go echo(remote.link, logger)

	if result.RoundTrip, err = roundTrip(ctx, link); err != nil {
		return result, err
	}

	if options.Health {
		health, err := fetchHealth(ctx, options.URL)
		if err != nil {
			return result, err
		}
		result.Health = health
	}
	return result, nil
}

// echo writes back everything read from link until it closes.
func echo(link *transport.Link, logger *slog.Logger) {
	if _, err := io.Copy(link.Conn(), link.Conn()); err != nil && !netutil.IsExpectedCloseError(err) {
		logger.Debug("echo stopped", "error", err)
	}
}

func roundTrip(ctx context.Context, link *transport.Link) (time.Duration, error) {
	conn := link.Conn()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	start := time.Now()
	if _, err := conn.Write([]byte(echoMessage)); err != nil {
		return 0, fmt.Errorf("writing over data channel: %w", err)
	}
	reply := make([]byte, len(echoMessage))
	if _, err := io.ReadFull(conn, reply); err != nil {
		return 0, fmt.Errorf("reading echo: %w", err)
	}
	elapsed := time.Since(start)
	if string(reply) != echoMessage {
		return 0, fmt.Errorf("echo returned %q", reply)
	}
	return elapsed, nil
}

// healthURL maps a relay WebSocket URL to its /healthz URL.
func healthURL(relayURL string) (string, error) {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parsing relay URL: %w", err)
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("relay URL %q: unsupported scheme %q", relayURL, parsed.Scheme)
	}
	parsed.Path = "/healthz"
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}

func fetchHealth(ctx context.Context, relayURL string) (*healthReport, error) {
	target, err := healthURL(relayURL)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("User-Agent", version.UserAgent("signaling-probe"))

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: %s: %s", target, response.Status, netutil.ErrorBody(response.Body))
	}
	var report healthReport
	if err := netutil.DecodeResponse(response.Body, &report); err != nil {
		return nil, err
	}
	if report.Status != "ok" {
		return &report, errors.New("relay reports status " + report.Status)
	}
	return &report, nil
}
