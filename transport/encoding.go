// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/signaling/lib/codec"
)

// maxDescriptionSize bounds a decompressed session description.
const maxDescriptionSize = 64 << 10

// wireSignal is the relay payload of a Signal. Description holds the
// zstd-compressed SDP.
type wireSignal struct {
	Kind        SignalKind `cbor:"0,keyasint"`
	Description []byte     `cbor:"1,keyasint"`
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
	)
	if err != nil {
		panic("transport: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxDescriptionSize),
	)
	if err != nil {
		panic("transport: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeSignal returns the relay payload for signal. From is not
// encoded; the relay identifies the sender.
func EncodeSignal(signal Signal) ([]byte, error) {
	if signal.Kind != Offer && signal.Kind != Answer {
		return nil, fmt.Errorf("transport: cannot encode %v", signal.Kind)
	}
	if len(signal.SDP) > maxDescriptionSize {
		return nil, fmt.Errorf("transport: description of %d bytes exceeds %d", len(signal.SDP), maxDescriptionSize)
	}
	return codec.Marshal(wireSignal{
		Kind:        signal.Kind,
		Description: zstdEncoder.EncodeAll([]byte(signal.SDP), nil),
	})
}

// DecodeSignal parses a relay payload produced by EncodeSignal.
func DecodeSignal(data []byte) (Signal, error) {
	var wire wireSignal
	if err := codec.Unmarshal(data, &wire); err != nil {
		return Signal{}, fmt.Errorf("transport: decoding signal: %w", err)
	}
	if wire.Kind != Offer && wire.Kind != Answer {
		return Signal{}, fmt.Errorf("transport: unknown signal kind %d", uint8(wire.Kind))
	}
	description, err := zstdDecoder.DecodeAll(wire.Description, nil)
	if err != nil {
		return Signal{}, fmt.Errorf("transport: decompressing description: %w", err)
	}
	if len(description) > maxDescriptionSize {
		return Signal{}, fmt.Errorf("transport: description of %d bytes exceeds %d", len(description), maxDescriptionSize)
	}
	return Signal{Kind: wire.Kind, SDP: string(description)}, nil
}
