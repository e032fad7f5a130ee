// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/signaling/protocol"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}

	limits, err := cfg.ProtocolLimits()
	if err != nil {
		t.Fatalf("ProtocolLimits: %v", err)
	}
	if limits != protocol.DefaultLimits() {
		t.Errorf("default limits = %+v, want %+v", limits, protocol.DefaultLimits())
	}

	if cfg.Relay.Backpressure != BackpressureDisconnect {
		t.Errorf("backpressure = %q, want %q", cfg.Relay.Backpressure, BackpressureDisconnect)
	}
	if cfg.Relay.DuplicateSession != DuplicateEvict {
		t.Errorf("duplicate_session = %q, want %q", cfg.Relay.DuplicateSession, DuplicateEvict)
	}
}

func TestLoadWithoutEnvironmentUsesDefaults(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("listen = %q, want default", cfg.Server.Listen)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
server:
  listen: "127.0.0.1:9000"
limits:
  max_expiration: 2m
relay:
  backpressure: drop_oldest
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(EnvironmentVariable, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Server.Path != "/" {
		t.Errorf("path = %q, want default kept", cfg.Server.Path)
	}
	limits, _ := cfg.ProtocolLimits()
	if limits.MaxExpiration != 2*time.Minute {
		t.Errorf("max_expiration = %v, want 2m", limits.MaxExpiration)
	}
	if limits.SessionTTL != time.Hour {
		t.Errorf("session_ttl = %v, want default 1h", limits.SessionTTL)
	}
	if cfg.Relay.Backpressure != BackpressureDropOldest {
		t.Errorf("backpressure = %q", cfg.Relay.Backpressure)
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "absent.yaml") {
		t.Fatalf("LoadFile(missing) = %v, want error naming the file", err)
	}
}

func TestProductionOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
environment: production
production:
  server:
    listen: ":443"
  log:
    level: warn
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Listen != ":443" {
		t.Errorf("listen = %q, want production override", cfg.Server.Listen)
	}
	level, err := cfg.LogLevel()
	if err != nil || level != slog.LevelWarn {
		t.Errorf("LogLevel = (%v, %v), want warn", level, err)
	}
}

func TestProductionWithoutOverridesLogsJSON(t *testing.T) {
	cfg, err := Parse([]byte("environment: production\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log.format = %q, want json in production", cfg.Log.Format)
	}
}

func TestExpandVariablesInPaths(t *testing.T) {
	t.Setenv("SIGNALING_TEST_STATE", "/srv/state")
	cfg, err := Parse([]byte(`
tls:
  autocert_domains: [relay.example.net]
  autocert_cache: ${SIGNALING_TEST_STATE}/acme
  cert_file: ${SIGNALING_TEST_UNSET:-/etc/fallback}/cert.pem
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.TLS.AutocertCache != "/srv/state/acme" {
		t.Errorf("autocert_cache = %q", cfg.TLS.AutocertCache)
	}
	if cfg.TLS.CertFile != "/etc/fallback/cert.pem" {
		t.Errorf("cert_file = %q", cfg.TLS.CertFile)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Environment = "staging"
	cfg.Server.Path = "ws"
	cfg.Limits.SessionTTL = "forever"
	cfg.Relay.Backpressure = "block"
	cfg.Relay.DuplicateSession = "both"
	cfg.TLS.CertFile = "/cert.pem"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil for a broken config")
	}
	for _, fragment := range []string{
		"invalid environment",
		"server.path",
		"limits.session_ttl",
		"relay.backpressure",
		"relay.duplicate_session",
		"tls.cert_file and tls.key_file",
	} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("Validate() error does not mention %q:\n%v", fragment, err)
		}
	}
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := Default()
	cfg.Relay.SweepInterval = "0s"
	cfg.Server.ReadTimeout = "soon"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	if !strings.Contains(err.Error(), "relay.sweep_interval must be positive") {
		t.Errorf("missing sweep_interval error: %v", err)
	}
	if !strings.Contains(err.Error(), "server.read_timeout") {
		t.Errorf("missing read_timeout error: %v", err)
	}
}
