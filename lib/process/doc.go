// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by the signaling
// binaries: reporting the error that ended run() before or after the
// structured logger exists, and mapping it to an exit code.
package process
