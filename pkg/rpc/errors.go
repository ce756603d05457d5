// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectTimeout is returned when a connection does not reach the
	// connected state within its connect timeout.
	ErrConnectTimeout = errors.New("rpc: connect timeout")

	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("rpc: transport error")

	// ErrNotConnected is returned when sending on a connection that is not
	// connected.
	ErrNotConnected = errors.New("rpc: not connected")

	// ErrConnectionClosed is returned to every call still pending when its
	// connection closes, and to operations on a closed connection.
	ErrConnectionClosed = errors.New("rpc: connection closed")

	// ErrTimeout is returned when a call receives no reply in time.
	ErrTimeout = errors.New("rpc: request timeout")

	// ErrFrameTooLarge is returned for a request or reply whose encoded
	// frame exceeds MaxFrameSize. Nothing is sent and the connection stays
	// open.
	ErrFrameTooLarge = errors.New("rpc: frame too large")

	ErrPoolClosed = errors.New("rpc: pool closed")
	ErrBadFrame   = errors.New("rpc: malformed frame")
)

// unsentError marks a call that failed before its request was written.
type unsentError struct{ error }

func (e unsentError) Unwrap() error { return e.error }

// notSent reports whether err failed a call before its request reached the
// transport.
func notSent(err error) bool {
	var u unsentError
	return errors.As(err, &u)
}

// Sentinels matched by remote error codes.
var (
	ErrNotFound     = errors.New("not found")
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrCorrupt      = errors.New("corrupt data")
	ErrUnknownOp    = errors.New("unknown operation")
)

// Remote error codes carried in reply frames.
const (
	CodeNotFound     = "not_found"
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeCorrupt      = "corrupt"
	CodeUnknownOp    = "unknown_op"
	CodeInternal     = "internal"
)

var codeSentinels = map[string]error{
	CodeNotFound:     ErrNotFound,
	CodeBadRequest:   ErrBadRequest,
	CodeUnauthorized: ErrUnauthorized,
	CodeCorrupt:      ErrCorrupt,
	CodeUnknownOp:    ErrUnknownOp,
}

// TransportError wraps a failure reported by a transport adapter.
type TransportError struct {
	Op  string
	Err error
}

func newTransportError(op string, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// RemoteError is an error returned by the peer's handler.
type RemoteError struct {
	Code    string
	Message string
}

// NewError builds a RemoteError for a handler to return.
func NewError(code, format string, args ...any) *RemoteError {
	return &RemoteError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	s, ok := codeSentinels[e.Code]
	return ok && s == target
}

// CodeOf maps a handler error onto a wire error code.
func CodeOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	for code, s := range codeSentinels {
		if errors.Is(err, s) {
			return code
		}
	}
	return CodeInternal
}
