// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the relay's wire frames, the limits the
// relay enforces on them, and the error kinds reported to clients.
//
// Every frame is a CBOR map with small integer keys. Client frames are
// decoded once, here, into one of the concrete [ClientFrame] types;
// everything past this package works on validated values and never
// sees raw maps. Server frames are plain structs encoded by
// [EncodeServerFrame].
//
// Client to server:
//
//	init         {0: null | recoveryKey}
//	send         {3: [{0: payload|null, 1?: sessionID, 2?: topic, 5?: expiresAt}, ...]}
//	acknowledge  {3: index}
//	subscribe    {2: topic, 6?: maxBacklog, 7?: oldest | bool, 8?: continuous}
//	unsubscribe  {2: topic, 7: false}
//
// Server to client:
//
//	init         {0?: errors, 1: sessionID, 2: recoveryKey, 3?: messages, 10: maxExpiration, 11: maxMessageSize}
//	delivery     {0?: errors, 3: messages}
//	errors       {0: [{0: message}, ...]}
//
// A delivered message is {0: payload, 1: sender, 2: topic, 4: sentAt,
// 5: expiresAt} for topics and {0: payload, 1: sender, 3: index,
// 4: sentAt, 5: expiresAt} for inboxes. Times are Unix seconds.
//
// Malformed CBOR is a [DecodeError] and ends the connection. A
// well-formed value that is not a map, or a map with the wrong shape or out-of-bounds values is an
// [*Error] of kind [KindValidation] and only rejects that operation.
package protocol
