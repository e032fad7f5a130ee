// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the relay's YAML configuration.
//
// [Default] holds the values of the public relay. A config file only
// needs the keys it changes; [LoadFile] overlays the file on the
// defaults, then applies the section matching the file's environment
// (development or production), then expands ${VAR} and ${VAR:-default}
// in filesystem paths. [Load] reads the file named by SIGNALING_CONFIG
// and falls back to the defaults when the variable is unset.
//
// Durations are strings in time.ParseDuration form ("5m", "1h").
// [Config.Validate] reports every problem at once rather than the
// first.
//
//	environment: production
//	server:
//	  listen: ":443"
//	tls:
//	  autocert_domains: [relay.example.net]
//	  autocert_cache: ${STATE_DIRECTORY:-/var/lib/signaling}/autocert
//	relay:
//	  backpressure: disconnect
package config
