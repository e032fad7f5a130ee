// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type integerKeyed struct {
	Payload []byte `cbor:"0,keyasint"`
	Topic   []byte `cbor:"2,keyasint,omitempty"`
	SentAt  uint64 `cbor:"4,keyasint"`
}

func TestMarshalUsesIntegerKeysInOrder(t *testing.T) {
	data, err := Marshal(integerKeyed{Payload: []byte("x"), SentAt: 7})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// {0: h'78', 4: 7}
	want := []byte{0xa2, 0x00, 0x41, 'x', 0x04, 0x07}
	if !bytes.Equal(data, want) {
		t.Errorf("Marshal = %x, want %x", data, want)
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[uint64]any{5: uint64(1), 0: []byte("a"), 2: []byte("t")}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 20 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding changed between calls: %x vs %x", first, again)
		}
	}
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// {0: 1, 0: 2}
	data := []byte{0xa2, 0x00, 0x01, 0x00, 0x02}
	var decoded map[uint64]RawMessage
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatal("expected duplicate map key to be rejected")
	}
}

func TestUnmarshalRejectsTrailingBytes(t *testing.T) {
	data := []byte{0xa0, 0x00}
	var decoded map[uint64]RawMessage
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatal("expected trailing bytes to be rejected")
	}
}

func TestWellformed(t *testing.T) {
	if err := Wellformed([]byte{0xa1, 0x00, 0xf6}); err != nil {
		t.Errorf("Wellformed({0: null}) = %v, want nil", err)
	}
	if err := Wellformed([]byte{0xa1, 0x00}); err == nil {
		t.Error("Wellformed accepted a truncated map")
	}
	deep := bytes.Repeat([]byte{0x81}, maxNestedLevels+2)
	deep = append(deep, 0x00)
	if err := Wellformed(deep); err == nil {
		t.Error("Wellformed accepted nesting beyond the decoder limit")
	}
}

func TestIsNullAndMajorType(t *testing.T) {
	if !IsNull(RawMessage{0xf6}) {
		t.Error("IsNull(null) = false")
	}
	if IsNull(RawMessage{0x40}) {
		t.Error("IsNull(empty byte string) = true")
	}
	cases := map[byte]int{
		0x05: MajorUnsigned,
		0x41: MajorByteString,
		0x80: MajorArray,
		0xa0: MajorMap,
		0xf5: MajorSimple,
	}
	for first, want := range cases {
		if got := MajorType([]byte{first}); got != want {
			t.Errorf("MajorType(%#x) = %d, want %d", first, got, want)
		}
	}
	if MajorType(nil) != -1 {
		t.Error("MajorType(nil) != -1")
	}
}
