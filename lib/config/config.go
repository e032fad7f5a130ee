// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/signaling/protocol"
)

// EnvironmentVariable names the config file read by Load.
const EnvironmentVariable = "SIGNALING_CONFIG"

// Environment selects which override section applies.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Backpressure policies for a connection whose outbound queue is full.
const (
	BackpressureDisconnect = "disconnect"
	BackpressureDropOldest = "drop_oldest"
)

// Duplicate session policies for a recovery of a session that is
// already bound to a live connection.
const (
	DuplicateEvict  = "evict"
	DuplicateReject = "reject"
)

// Config is the complete relay configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Server ServerConfig `yaml:"server"`
	TLS    TLSConfig    `yaml:"tls"`
	Limits LimitsConfig `yaml:"limits"`
	Relay  RelayConfig  `yaml:"relay"`
	Log    LogConfig    `yaml:"log"`

	// Per-environment overrides, applied after the base values.
	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the TCP address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// Path is the URL path that accepts WebSocket upgrades.
	Path string `yaml:"path"`

	// ReusePort sets SO_REUSEPORT so several relay processes can share
	// the port during a rolling restart.
	ReusePort bool `yaml:"reuse_port"`

	// ReadTimeout bounds how long a connection may leave a keepalive
	// ping unanswered. Pings go out every half read_timeout.
	// Default: 2m
	ReadTimeout string `yaml:"read_timeout"`

	// WriteTimeout bounds a single frame write.
	// Default: 10s
	WriteTimeout string `yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	// OriginPatterns are the cross-origin hosts allowed to connect, as
	// accepted by path.Match. Empty allows same-origin only.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// TLSConfig enables TLS with either a fixed certificate or ACME.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// AutocertDomains enables ACME certificates for these hosts.
	AutocertDomains []string `yaml:"autocert_domains"`

	// AutocertCache is the directory holding ACME state.
	AutocertCache string `yaml:"autocert_cache"`
}

// Enabled reports whether any TLS mode is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || len(t.AutocertDomains) > 0
}

// LimitsConfig mirrors protocol.Limits in file form.
type LimitsConfig struct {
	MaxMessageSize         int    `yaml:"max_message_size"`
	MaxTopicSize           int    `yaml:"max_topic_size"`
	MaxExpiration          string `yaml:"max_expiration"`
	SessionTTL             string `yaml:"session_ttl"`
	MaxSubscriptions       int    `yaml:"max_subscriptions"`
	MaxBacklog             int    `yaml:"max_backlog"`
	MaxMessagesPerFrame    int    `yaml:"max_messages_per_frame"`
	MaxSendersPerRecipient int    `yaml:"max_senders_per_recipient"`
}

// RelayConfig tunes connection handling.
type RelayConfig struct {
	// SweepInterval is the cadence of session and message expiry.
	// Default: 10s
	SweepInterval string `yaml:"sweep_interval"`

	// OutboxSize is the number of pending batches a connection may
	// queue before backpressure applies.
	OutboxSize int `yaml:"outbox_size"`

	// Backpressure is "disconnect" or "drop_oldest".
	Backpressure string `yaml:"backpressure"`

	// DuplicateSession is "evict" or "reject".
	DuplicateSession string `yaml:"duplicate_session"`

	// FramesPerSecond and FrameBurst bound inbound frames per
	// connection. Zero FramesPerSecond disables the limit.
	FramesPerSecond float64 `yaml:"frames_per_second"`
	FrameBurst      int     `yaml:"frame_burst"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is auto, json or text. Auto picks text on a terminal.
	Format string `yaml:"format"`
}

// Overrides holds environment-specific values. Only non-zero fields
// replace base values.
type Overrides struct {
	Server *ServerConfig `yaml:"server,omitempty"`
	Relay  *RelayConfig  `yaml:"relay,omitempty"`
	Log    *LogConfig    `yaml:"log,omitempty"`
}

// Default returns the configuration of the public relay.
func Default() *Config {
	limits := protocol.DefaultLimits()
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Listen:          ":8080",
			Path:            "/",
			ReadTimeout:     "2m",
			WriteTimeout:    "10s",
			ShutdownTimeout: "15s",
		},
		Limits: LimitsConfig{
			MaxMessageSize:         limits.MaxMessageSize,
			MaxTopicSize:           limits.MaxTopicSize,
			MaxExpiration:          limits.MaxExpiration.String(),
			SessionTTL:             limits.SessionTTL.String(),
			MaxSubscriptions:       limits.MaxSubscriptions,
			MaxBacklog:             limits.MaxBacklog,
			MaxMessagesPerFrame:    limits.MaxMessagesPerFrame,
			MaxSendersPerRecipient: limits.MaxSendersPerRecipient,
		},
		Relay: RelayConfig{
			SweepInterval:    "10s",
			OutboxSize:       256,
			Backpressure:     BackpressureDisconnect,
			DuplicateSession: DuplicateEvict,
			FramesPerSecond:  50,
			FrameBurst:       100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads the file named by SIGNALING_CONFIG, or returns Default
// when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads a config file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML config data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &Overrides{Log: &LogConfig{Format: "json"}}
		}
	}
	if overrides == nil {
		return
	}

	if server := overrides.Server; server != nil {
		setString(&c.Server.Listen, server.Listen)
		setString(&c.Server.Path, server.Path)
		setString(&c.Server.ReadTimeout, server.ReadTimeout)
		setString(&c.Server.WriteTimeout, server.WriteTimeout)
		setString(&c.Server.ShutdownTimeout, server.ShutdownTimeout)
		if server.ReusePort {
			c.Server.ReusePort = true
		}
		if len(server.OriginPatterns) > 0 {
			c.Server.OriginPatterns = server.OriginPatterns
		}
	}

	if relay := overrides.Relay; relay != nil {
		setString(&c.Relay.SweepInterval, relay.SweepInterval)
		setString(&c.Relay.Backpressure, relay.Backpressure)
		setString(&c.Relay.DuplicateSession, relay.DuplicateSession)
		if relay.OutboxSize > 0 {
			c.Relay.OutboxSize = relay.OutboxSize
		}
		if relay.FramesPerSecond > 0 {
			c.Relay.FramesPerSecond = relay.FramesPerSecond
		}
		if relay.FrameBurst > 0 {
			c.Relay.FrameBurst = relay.FrameBurst
		}
	}

	if log := overrides.Log; log != nil {
		setString(&c.Log.Level, log.Level)
		setString(&c.Log.Format, log.Format)
	}
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expandVariables() {
	c.TLS.CertFile = expandVars(c.TLS.CertFile)
	c.TLS.KeyFile = expandVars(c.TLS.KeyFile)
	c.TLS.AutocertCache = expandVars(c.TLS.AutocertCache)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Durations is the parsed form of the duration strings.
type Durations struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	SweepInterval   time.Duration
}

// ParseDurations parses every duration field.
func (c *Config) ParseDurations() (Durations, error) {
	var durations Durations
	var errs []error
	parse := func(name, value string, target *time.Duration) {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		if parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, value))
			return
		}
		*target = parsed
	}
	parse("server.read_timeout", c.Server.ReadTimeout, &durations.ReadTimeout)
	parse("server.write_timeout", c.Server.WriteTimeout, &durations.WriteTimeout)
	parse("server.shutdown_timeout", c.Server.ShutdownTimeout, &durations.ShutdownTimeout)
	parse("relay.sweep_interval", c.Relay.SweepInterval, &durations.SweepInterval)
	return durations, errors.Join(errs...)
}

// ProtocolLimits converts the limits section.
func (c *Config) ProtocolLimits() (protocol.Limits, error) {
	limits := protocol.Limits{
		MaxMessageSize:         c.Limits.MaxMessageSize,
		MaxTopicSize:           c.Limits.MaxTopicSize,
		MaxSubscriptions:       c.Limits.MaxSubscriptions,
		MaxBacklog:             c.Limits.MaxBacklog,
		MaxMessagesPerFrame:    c.Limits.MaxMessagesPerFrame,
		MaxSendersPerRecipient: c.Limits.MaxSendersPerRecipient,
	}
	var err error
	if limits.MaxExpiration, err = time.ParseDuration(c.Limits.MaxExpiration); err != nil {
		return protocol.Limits{}, fmt.Errorf("limits.max_expiration: %w", err)
	}
	if limits.SessionTTL, err = time.ParseDuration(c.Limits.SessionTTL); err != nil {
		return protocol.Limits{}, fmt.Errorf("limits.session_ttl: %w", err)
	}
	if err := limits.Validate(); err != nil {
		return protocol.Limits{}, err
	}
	return limits, nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Validate checks the configuration and reports all problems.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.Path == "" || c.Server.Path[0] != '/' {
		errs = append(errs, fmt.Errorf("server.path must start with /, got %q", c.Server.Path))
	}
	if _, err := c.ParseDurations(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ProtocolLimits(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "auto", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, json or text, got %q", c.Log.Format))
	}

	switch c.Relay.Backpressure {
	case BackpressureDisconnect, BackpressureDropOldest:
	default:
		errs = append(errs, fmt.Errorf("relay.backpressure must be %q or %q, got %q",
			BackpressureDisconnect, BackpressureDropOldest, c.Relay.Backpressure))
	}
	switch c.Relay.DuplicateSession {
	case DuplicateEvict, DuplicateReject:
	default:
		errs = append(errs, fmt.Errorf("relay.duplicate_session must be %q or %q, got %q",
			DuplicateEvict, DuplicateReject, c.Relay.DuplicateSession))
	}
	if c.Relay.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("relay.outbox_size must be positive, got %d", c.Relay.OutboxSize))
	}
	if c.Relay.FramesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("relay.frames_per_second must not be negative"))
	}
	if c.Relay.FramesPerSecond > 0 && c.Relay.FrameBurst <= 0 {
		errs = append(errs, fmt.Errorf("relay.frame_burst must be positive when frames_per_second is set"))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if c.TLS.CertFile != "" && len(c.TLS.AutocertDomains) > 0 {
		errs = append(errs, errors.New("tls.cert_file and tls.autocert_domains are mutually exclusive"))
	}
	if len(c.TLS.AutocertDomains) > 0 && c.TLS.AutocertCache == "" {
		errs = append(errs, errors.New("tls.autocert_cache is required with tls.autocert_domains"))
	}

	return errors.Join(errs...)
}
