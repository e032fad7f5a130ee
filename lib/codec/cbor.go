// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// Decoder bounds for untrusted frames. A frame carries at most a few
// dozen messages, each a map of five or six fields.
const (
	maxNestedLevels  = 8
	maxArrayElements = 1024
	maxMapPairs      = 64
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: maxArrayElements,
		MaxMapPairs:      maxMapPairs,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is an undecoded CBOR data item.
type RawMessage = cbor.RawMessage

// Marshal encodes v with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a single CBOR data item into v. Trailing bytes are
// an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Wellformed reports whether data is exactly one well-formed CBOR data
// item within the decoder's limits.
func Wellformed(data []byte) error {
	return decMode.Wellformed(data)
}

// IsNull reports whether raw is the CBOR null (or undefined) simple
// value.
func IsNull(raw RawMessage) bool {
	return len(raw) == 1 && (raw[0] == 0xf6 || raw[0] == 0xf7)
}

// MajorType returns the CBOR major type (0 through 7) of the first
// data item in raw, or -1 when raw is empty.
func MajorType(raw []byte) int {
	if len(raw) == 0 {
		return -1
	}
	return int(raw[0] >> 5)
}

// Major types used by frame decoders.
const (
	MajorUnsigned   = 0
	MajorByteString = 2
	MajorArray      = 4
	MajorMap        = 5
	MajorSimple     = 7
)
