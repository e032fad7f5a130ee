// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the relay's single CBOR configuration.
//
// Every WebSocket frame is one CBOR data item. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2), so a frame with the same
// content always has the same bytes, which keeps test fixtures and
// captured traffic comparable. The decoder is configured for untrusted
// input: nesting depth, array length and map size are bounded, and
// duplicate map keys are rejected instead of silently keeping the last
// value.
//
// Frames use small integer map keys. Types describe them with
// `cbor:"N,keyasint"` tags:
//
//	type errorEntry struct {
//	    Message string `cbor:"0,keyasint"`
//	}
//
// Decoders that must inspect a field's shape before choosing a Go type
// (a key that may hold either null or a byte string, or either a bool
// or an integer) decode the frame into map[uint64]codec.RawMessage and
// then decode each value separately.
package codec
