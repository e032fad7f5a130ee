// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies an error reported to a client.
type Kind int

const (
	// KindValidation rejects one operation: an oversized payload,
	// topic or session ID, or a frame with the wrong shape.
	KindValidation Kind = iota + 1

	// KindSessionLost reports that a recovery key was unknown or its
	// session had expired. A fresh session was issued in its place.
	KindSessionLost

	// KindSubscriptionLimit rejects a subscribe that would exceed the
	// per-session subscription cap.
	KindSubscriptionLimit

	// KindRateLimited rejects a frame that arrived faster than the
	// connection's frame budget allows.
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSessionLost:
		return "session_lost"
	case KindSubscriptionLimit:
		return "subscription_limit"
	case KindRateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrValidation        = errors.New("invalid request")
	ErrSessionLost       = errors.New("session lost")
	ErrSubscriptionLimit = errors.New("subscription limit exceeded")
	ErrRateLimited       = errors.New("rate limited")
)

// Error is a per-operation failure that is reported to the client in
// the errors list of the next server frame. It never closes the
// connection.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindValidation:
		return target == ErrValidation
	case KindSessionLost:
		return target == ErrSessionLost
	case KindSubscriptionLimit:
		return target == ErrSubscriptionLimit
	case KindRateLimited:
		return target == ErrRateLimited
	}
	return false
}

// Validationf returns a KindValidation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// SessionLost returns the error reported when a recovery key did not
// resolve to a live session.
func SessionLost() *Error {
	return &Error{Kind: KindSessionLost, Message: "session not found, new session issued"}
}

// SubscriptionLimit returns the error for a subscribe beyond limit.
func SubscriptionLimit(limit int) *Error {
	return &Error{
		Kind:    KindSubscriptionLimit,
		Message: fmt.Sprintf("subscription limit of %d topics reached", limit),
	}
}

// RateLimited returns the error for a frame over the rate budget.
func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Message: "too many frames, request dropped"}
}

// DecodeError is a frame that is not a single well-formed CBOR value.
// The connection cannot continue after one.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "malformed frame: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrorEntries converts per-operation errors into their wire form.
// Errors that are not *Error are reported with a generic message so
// internal details stay on the server.
func ErrorEntries(errs []error) []ErrorEntry {
	if len(errs) == 0 {
		return nil
	}
	entries := make([]ErrorEntry, 0, len(errs))
	for _, err := range errs {
		var protocolError *Error
		if errors.As(err, &protocolError) {
			entries = append(entries, ErrorEntry{Message: protocolError.Message})
		} else {
			entries = append(entries, ErrorEntry{Message: "internal error"})
		}
	}
	return entries
}
