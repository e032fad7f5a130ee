// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build of the running binary.
//
// Build metadata is injected with -ldflags -X, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/signaling/lib/version.Commit=$(git rev-parse --short HEAD)"
//
// Unset values read "unknown" and the version reads "0.1.0-dev".
package version
