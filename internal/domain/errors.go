package domain

import (
	"errors"
	"fmt"
)

// ErrKind classifies an error for the protocol boundary: the signaling
// layer and the admin API map kinds to wire codes. Everything except
// KindFatal is recoverable; KindFatal terminates the process.
type ErrKind int

const (
	KindUnknown ErrKind = iota
	KindNotFound
	KindConflict
	KindInvalidState
	KindUnauthorized
	KindUnknownMessage
	KindUpstream
	KindFatal
)

func (k ErrKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindInvalidState:
		return "InvalidState"
	case KindUnauthorized:
		return "Unauthorized"
	case KindUnknownMessage:
		return "UnknownMessageType"
	case KindUpstream:
		return "Upstream"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error carries a kind plus a human-readable message and optional cause.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Msg: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Msg: fmt.Sprintf(format, args...)}
}

func UnknownMessage(format string, args ...any) *Error {
	return &Error{Kind: KindUnknownMessage, Msg: fmt.Sprintf(format, args...)}
}

// Upstream wraps a media-engine failure.
func Upstream(err error, format string, args ...any) *Error {
	return &Error{Kind: KindUpstream, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Fatal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindFatal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, KindUnknown otherwise.
func KindOf(err error) ErrKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
