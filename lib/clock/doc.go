// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every TTL and expiry decision in
// the relay.
//
// Components never call time.Now or time.NewTicker directly. They hold a
// [Clock] and ask it instead: [Real] in production, [Fake] in tests.
// Session TTLs, message expiry and the periodic sweep all read the same
// injected clock, so a test can move a whole relay forward by an hour
// with a single [FakeClock.Advance] call.
//
// A goroutine that is about to block on a fake ticker registers a
// waiter first. Tests call [FakeClock.WaitForTimers] before advancing
// so the tick is not lost to a registration race:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go relay.Run(ctx)
//	fake.WaitForTimers(1)
//	fake.Advance(10 * time.Second)
package clock
