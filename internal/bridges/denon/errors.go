package denon

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for receiver operations.
var (
	// ErrConnectionTimeout indicates the TCP connect did not complete within its budget.
	ErrConnectionTimeout = errors.New("denon: connection timed out")

	// ErrResponseTimeout indicates a command was written but no correlated reply arrived.
	ErrResponseTimeout = errors.New("denon: response timed out")

	// ErrInvalidResponse indicates a reply or event violated the protocol grammar.
	ErrInvalidResponse = errors.New("denon: invalid response")

	// ErrCommandFailed indicates the receiver explicitly rejected a command.
	ErrCommandFailed = errors.New("denon: command failed")

	// ErrUnsupported indicates the control protocol has no such capability.
	ErrUnsupported = errors.New("denon: operation not supported by control protocol")

	// ErrInvalidArgument indicates a caller-supplied value was rejected before any write.
	ErrInvalidArgument = errors.New("denon: invalid argument")

	// ErrCallerTimeout indicates the caller stopped waiting on a raced get-operation.
	ErrCallerTimeout = errors.New("denon: caller timed out waiting for result")

	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("denon: client closed")

	// ErrNotConnected indicates a write was attempted without a socket.
	ErrNotConnected = errors.New("denon: not connected")

	// ErrNoProtocol indicates capability probing found no supported protocol.
	ErrNoProtocol = errors.New("denon: no supported control protocol")

	// ErrUnknownControlMode indicates an unrecognised control mode.
	ErrUnknownControlMode = errors.New("denon: unknown control mode")
)

// Bridge errors.
var (
	// ErrUnknownReceiver indicates a receiver id that is not configured.
	ErrUnknownReceiver = errors.New("denon: unknown receiver")

	// ErrUnknownCommand indicates an unrecognised bridge command.
	ErrUnknownCommand = errors.New("denon: unknown command")

	// ErrBusy indicates a change of the same kind is already in progress.
	ErrBusy = errors.New("denon: change already in progress")
)

// InvalidResponseError carries the diagnostics of an InvalidResponse failure.
type InvalidResponseError struct {
	// Reason describes what was wrong.
	Reason string

	// Expected lists the legal values, if known.
	Expected []string

	// Actual is the value that was received.
	Actual string
}

func (e *InvalidResponseError) Error() string {
	var b strings.Builder
	b.WriteString(ErrInvalidResponse.Error())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Expected) > 0 {
		fmt.Fprintf(&b, " (expected one of [%s]", strings.Join(e.Expected, ", "))
		fmt.Fprintf(&b, ", got %q)", e.Actual)
	} else if e.Actual != "" {
		fmt.Fprintf(&b, " (got %q)", e.Actual)
	}
	return b.String()
}

// Unwrap allows errors.Is(err, ErrInvalidResponse).
func (e *InvalidResponseError) Unwrap() error {
	return ErrInvalidResponse
}

func invalidResponse(reason, actual string, expected ...string) error {
	return &InvalidResponseError{Reason: reason, Expected: expected, Actual: actual}
}

// ErrorKind classifies receiver errors for callers that map them to their own codes.
type ErrorKind int

// Error kinds.
const (
	KindNone ErrorKind = iota
	KindConnectionTimeout
	KindResponseTimeout
	KindInvalidResponse
	KindCommandFailed
	KindUnsupported
	KindInvalidArgument
	KindCallerTimeout
	KindClosed
	KindIO
)

var kindNames = map[ErrorKind]string{
	KindNone:              "none",
	KindConnectionTimeout: "connection_timeout",
	KindResponseTimeout:   "response_timeout",
	KindInvalidResponse:   "invalid_response",
	KindCommandFailed:     "command_failed",
	KindUnsupported:       "unsupported",
	KindInvalidArgument:   "invalid_argument",
	KindCallerTimeout:     "caller_timeout",
	KindClosed:            "closed",
	KindIO:                "io_error",
}

// String returns the snake_case name of the kind.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// KindOf classifies err. Errors not produced by this package map to KindIO.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConnectionTimeout):
		return KindConnectionTimeout
	case errors.Is(err, ErrResponseTimeout):
		return KindResponseTimeout
	case errors.Is(err, ErrInvalidResponse):
		return KindInvalidResponse
	case errors.Is(err, ErrCommandFailed):
		return KindCommandFailed
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrCallerTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindCallerTimeout
	case errors.Is(err, ErrClientClosed):
		return KindClosed
	default:
		return KindIO
	}
}
