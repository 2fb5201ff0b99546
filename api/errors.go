// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error kinds and error handling utilities for hioload-tcp.

package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an outcome reported by the reactor, connections,
// servers and clients.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindGeneric
	KindNotConnected
	KindAlreadyListening
	KindAlreadyConnecting
	KindRegistrationFailed
	KindRecvTryAgain
	KindRecvRefused
	KindRecvEOF
	KindRecvOther
	KindSendTimeout
	KindConnectTimeout
	KindConnectRefused
	KindConnectTryAgain
	KindNotSupported
)

var kindNames = map[ErrorKind]string{
	KindNone:               "none",
	KindGeneric:            "generic",
	KindNotConnected:       "not_connected",
	KindAlreadyListening:   "already_listening",
	KindAlreadyConnecting:  "already_connecting",
	KindRegistrationFailed: "registration_failed",
	KindRecvTryAgain:       "recv_try_again",
	KindRecvRefused:        "recv_refused",
	KindRecvEOF:            "recv_eof",
	KindRecvOther:          "recv_other",
	KindSendTimeout:        "send_timeout",
	KindConnectTimeout:     "connect_timeout",
	KindConnectRefused:     "connect_refused",
	KindConnectTryAgain:    "connect_try_again",
	KindNotSupported:       "not_supported",
}

// String returns a stable snake_case name, also used as a metrics label.
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Transient reports whether the kind only asks the caller to try again.
func (k ErrorKind) Transient() bool {
	return k == KindRecvTryAgain || k == KindConnectTryAgain
}

// Sentinel errors, one per kind. errors.Is matches any *Error of the same kind.
var (
	ErrGeneric            = &Error{Kind: KindGeneric, Message: "error"}
	ErrNotConnected       = &Error{Kind: KindNotConnected, Message: "connection is not connected"}
	ErrAlreadyListening   = &Error{Kind: KindAlreadyListening, Message: "already listening"}
	ErrAlreadyConnecting  = &Error{Kind: KindAlreadyConnecting, Message: "already connecting"}
	ErrRegistrationFailed = &Error{Kind: KindRegistrationFailed, Message: "event registration failed"}
	ErrRecvTryAgain       = &Error{Kind: KindRecvTryAgain, Message: "please try again"}
	ErrRecvRefused        = &Error{Kind: KindRecvRefused, Message: "connection refused"}
	ErrRecvEOF            = &Error{Kind: KindRecvEOF, Message: "peer closed connection"}
	ErrRecvOther          = &Error{Kind: KindRecvOther, Message: "receive failed"}
	ErrSendTimeout        = &Error{Kind: KindSendTimeout, Message: "send timeout"}
	ErrConnectTimeout     = &Error{Kind: KindConnectTimeout, Message: "connect timeout"}
	ErrConnectRefused     = &Error{Kind: KindConnectRefused, Message: "connect refused"}
	ErrConnectTryAgain    = &Error{Kind: KindConnectTryAgain, Message: "connect in progress, try again"}
	ErrNotSupported       = &Error{Kind: KindNotSupported, Message: "operation not supported"}
)

// Error represents a structured error with kind, cause and context.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the underlying cause, usually a unix.Errno.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a new structured error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
	}
}

// Wrap creates a structured error around cause.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf returns the kind of the first *Error in err's chain,
// KindGeneric for foreign errors and KindNone for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// IsTransient reports whether err only asks for a retry.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}
