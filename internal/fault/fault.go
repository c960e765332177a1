// Package fault defines the error taxonomy shared by the real-time
// components and the wire surface.
package fault

import (
	"errors"
	"fmt"
)

// Code classifies a failure for the client-facing surface.
type Code string

const (
	NotFound        Code = "not_found"
	Unauthorized    Code = "unauthorized"
	Conflict        Code = "conflict"
	InvalidState    Code = "invalid_state"
	PeerUnavailable Code = "peer_unavailable"
	ContentRejected Code = "content_rejected"
	Internal        Code = "internal"
)

// Error is a classified domain error. Reason is safe to send to clients;
// wrapped errors are not.
type Error struct {
	Code   Code
	Reason string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.err }

// New creates a classified error with a client-safe reason.
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// Wrap classifies an underlying error. The underlying error is kept for
// logs only and never reaches the wire.
func Wrap(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, err: err}
}

// CodeOf extracts the classification of err, defaulting to Internal.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Internal
}

// ReasonOf returns the client-safe reason of err. Unclassified errors map
// to a generic reason so internal detail never leaks.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return "internal error"
}
