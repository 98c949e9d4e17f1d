// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import "fmt"

// ErrorCode classifies a core error so callers can branch on taxonomy
// without string matching.
type ErrorCode int

const (
	// ErrTransport covers socket-level failures: dial errors, parse
	// failures on inbound frames, and sends attempted against a closed
	// connection.
	ErrTransport ErrorCode = iota + 1
	// ErrProtocol covers violations of the wire contract: a stream_start
	// or stream_end frame missing its id, an invalid sequence number.
	ErrProtocol
	// ErrValidation covers bad configuration, malformed outbound payloads,
	// and unsupported outbound message types.
	ErrValidation
	// ErrStorage covers Store get/set/quota failures.
	ErrStorage
	// ErrState covers invariant violations such as a duplicate history
	// request or an operation attempted on a destroyed instance.
	ErrState
)

func (c ErrorCode) String() string {
	switch c {
	case ErrTransport:
		return "transport"
	case ErrProtocol:
		return "protocol"
	case ErrValidation:
		return "validation"
	case ErrStorage:
		return "storage"
	case ErrState:
		return "state"
	default:
		return "unknown"
	}
}

// CoreError is the concrete error type returned and emitted by the core.
// It wraps an underlying cause (if any) and carries a taxonomy code so
// consumers can decide whether to surface, retry, or ignore it.
type CoreError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

func newError(code ErrorCode, msg string, cause error) *CoreError {
	return &CoreError{Code: code, Message: msg, Cause: cause}
}

func transportErrorf(cause error, format string, args ...any) *CoreError {
	return newError(ErrTransport, fmt.Sprintf(format, args...), cause)
}

func protocolErrorf(format string, args ...any) *CoreError {
	return newError(ErrProtocol, fmt.Sprintf(format, args...), nil)
}

func validationErrorf(format string, args ...any) *CoreError {
	return newError(ErrValidation, fmt.Sprintf(format, args...), nil)
}

func storageErrorf(cause error, format string, args ...any) *CoreError {
	return newError(ErrStorage, fmt.Sprintf(format, args...), cause)
}

func stateErrorf(format string, args ...any) *CoreError {
	return newError(ErrState, fmt.Sprintf(format, args...), nil)
}

// ErrTransportClosed is returned by Connection.Send when there is no open
// socket (including while a dial is still in progress).
var ErrTransportClosed = transportErrorf(nil, "transport closed")
