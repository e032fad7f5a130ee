// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"strconv"
	"sync/atomic"
)

var counter atomic.Uint64

// UniqueID returns prefix followed by "-N", N increasing per call.
//
//	topic := []byte(testutil.UniqueID("room")) // "room-1", "room-2", ...
func UniqueID(prefix string) string {
	return prefix + "-" + strconv.FormatUint(counter.Add(1), 10)
}
