// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/acme/autocert"

	"github.com/bureau-foundation/signaling/lib/clock"
	"github.com/bureau-foundation/signaling/lib/config"
	"github.com/bureau-foundation/signaling/lib/logging"
	"github.com/bureau-foundation/signaling/lib/netutil"
	"github.com/bureau-foundation/signaling/lib/process"
	"github.com/bureau-foundation/signaling/lib/version"
	"github.com/bureau-foundation/signaling/relay"
)

func main() {
	process.Exit(run(os.Args[1:]))
}

func run(args []string) error {
	cfg, showVersion, err := loadConfig(args)
	if err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("signaling-relay %s\n", version.Info())
		return nil
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return err
	}
	relayConfig, durations, err := relayConfigFrom(cfg, clock.Real(), logger)
	if err != nil {
		return err
	}
	server, err := relay.New(relayConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := netutil.Listen(ctx, cfg.Server.Listen, netutil.ListenOptions{ReusePort: cfg.Server.ReusePort})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler:  server.Handler(),
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	serve, err := configureTLS(httpServer, cfg.TLS)
	if err != nil {
		listener.Close()
		return err
	}

	go func() {
		if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("expiry loop stopped", "error", err)
		}
	}()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- serve(listener)
	}()

	logger.Info("signaling relay running",
		"version", version.Info(),
		"environment", cfg.Environment,
		"address", listener.Addr().String(),
		"path", cfg.Server.Path,
		"tls", cfg.TLS.Enabled(),
		"max_message_size", relayConfig.Limits.MaxMessageSize,
		"session_ttl", relayConfig.Limits.SessionTTL,
	)

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownContext, cancel := context.WithTimeout(context.Background(), durations.ShutdownTimeout)
	defer cancel()

	// The relay closes WebSocket connections itself; http.Server does
	// not track hijacked connections.
	relayErr := server.Shutdown(shutdownContext)
	httpErr := httpServer.Shutdown(shutdownContext)
	if err := errors.Join(relayErr, httpErr); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// loadConfig parses flags over the configuration file.
func loadConfig(args []string) (*config.Config, bool, error) {
	var (
		configPath      string
		listen          string
		path            string
		certFile        string
		keyFile         string
		autocertDomains []string
		autocertCache   string
		reusePort       bool
		logLevel        string
		logFormat       string
		showVersion     bool
	)

	flagSet := pflag.NewFlagSet("signaling-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&listen, "listen", "", "TCP address to listen on")
	flagSet.StringVar(&path, "path", "", "URL path accepting WebSocket connections")
	flagSet.StringVar(&certFile, "tls-cert", "", "TLS certificate file")
	flagSet.StringVar(&keyFile, "tls-key", "", "TLS private key file")
	flagSet.StringSliceVar(&autocertDomains, "autocert-domain", nil, "obtain ACME certificates for this host (repeatable)")
	flagSet.StringVar(&autocertCache, "autocert-cache", "", "directory holding ACME state")
	flagSet.BoolVar(&reusePort, "reuse-port", false, "set SO_REUSEPORT on the listener")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&logFormat, "log-format", "", "auto, json or text")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, false, &process.UsageError{Err: err}
	}
	if showVersion {
		return nil, true, nil
	}
	if flagSet.NArg() > 0 {
		return nil, false, process.Usagef("unexpected argument: %s", flagSet.Arg(0))
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, false, err
	}

	overrides := map[string]func(){
		"listen":          func() { cfg.Server.Listen = listen },
		"path":            func() { cfg.Server.Path = path },
		"tls-cert":        func() { cfg.TLS.CertFile = certFile },
		"tls-key":         func() { cfg.TLS.KeyFile = keyFile },
		"autocert-domain": func() { cfg.TLS.AutocertDomains = autocertDomains },
		"autocert-cache":  func() { cfg.TLS.AutocertCache = autocertCache },
		"reuse-port":      func() { cfg.Server.ReusePort = reusePort },
		"log-level":       func() { cfg.Log.Level = logLevel },
		"log-format":      func() { cfg.Log.Format = logFormat },
	}
	for name, apply := range overrides {
		if flagSet.Changed(name) {
			apply()
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, false, nil
}

// relayConfigFrom converts a validated configuration.
func relayConfigFrom(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (relay.Config, config.Durations, error) {
	durations, err := cfg.ParseDurations()
	if err != nil {
		return relay.Config{}, config.Durations{}, err
	}
	limits, err := cfg.ProtocolLimits()
	if err != nil {
		return relay.Config{}, config.Durations{}, err
	}
	return relay.Config{
		Limits:           limits,
		Clock:            clk,
		Logger:           logger,
		SweepInterval:    durations.SweepInterval,
		OutboxSize:       cfg.Relay.OutboxSize,
		Backpressure:     relay.Backpressure(cfg.Relay.Backpressure),
		DuplicateSession: relay.DuplicatePolicy(cfg.Relay.DuplicateSession),
		FramesPerSecond:  cfg.Relay.FramesPerSecond,
		FrameBurst:       cfg.Relay.FrameBurst,
		ReadTimeout:      durations.ReadTimeout,
		WriteTimeout:     durations.WriteTimeout,
		Path:             cfg.Server.Path,
		OriginPatterns:   cfg.Server.OriginPatterns,
	}, durations, nil
}

// configureTLS sets up server for the configured TLS mode and returns
// the function that serves it.
func configureTLS(server *http.Server, cfg config.TLSConfig) (func(net.Listener) error, error) {
	switch {
	case len(cfg.AutocertDomains) > 0:
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.AutocertDomains...),
		}
		if cfg.AutocertCache != "" {
			manager.Cache = autocert.DirCache(cfg.AutocertCache)
		}
		server.TLSConfig = manager.TLSConfig()
		server.TLSConfig.MinVersion = tls.VersionTLS12
		// Certificates come from GetCertificate.
		return func(listener net.Listener) error {
			return server.ServeTLS(listener, "", "")
		}, nil
	case cfg.CertFile != "" || cfg.KeyFile != "":
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.New("tls.cert_file and tls.key_file must be set together")
		}
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		return func(listener net.Listener) error {
			return server.ServeTLS(listener, cfg.CertFile, cfg.KeyFile)
		}, nil
	default:
		return server.Serve, nil
	}
}
