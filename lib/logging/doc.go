// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the process logger.
//
// Output is log/slog. In "auto" format the handler is text when stderr
// is a terminal and JSON otherwise, so an operator at a shell reads
// plain lines while journald and log shippers get structured records.
package logging
