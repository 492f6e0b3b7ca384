package veilrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"syscall"

	"veilrpc/internal/wire"
)

// Error is the single failure type surfaced by this package. Every failed
// operation yields exactly one *Error and no partial success value.
type Error struct {
	// Status classifies the failure.
	Status Status
	// Message is human-readable. Its exact contents may change between
	// versions; do not match on it.
	Message string
	// OSCode is the OS-level error number (errno) behind a transport
	// failure, or 0 when none applies.
	OSCode int
	// Response holds the daemon's structured error payload verbatim when
	// the failure is a remote error response, and is nil for local and
	// transport failures.
	Response json.RawMessage

	cause error
}

func (e *Error) Error() string {
	return e.Status.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// StatusOf extracts the Status from an error returned by this package.
// A nil error is success; a foreign error reports as internal.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusInternal
}

// errorf builds a local error with a formatted message.
func errorf(status Status, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// transportError wraps an IO failure, capturing the errno when one is
// buried in the chain.
func transportError(op string, err error) *Error {
	code := 0
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = int(errno)
	}
	return &Error{
		Status:  StatusTransport,
		Message: op + ": " + err.Error(),
		OSCode:  code,
		cause:   err,
	}
}

// remoteError converts an error response from the daemon. The status comes
// from the payload's status name when recognized, then from its
// JSON-RPC-compatible code, and defaults to request-failed. The payload is
// preserved verbatim.
func remoteError(body json.RawMessage) *Error {
	status := StatusRequestFailed
	message := "request failed"

	var parsed wire.ErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			message = parsed.Message
		}
		if s, ok := ParseStatus(parsed.Status); ok && s != StatusSuccess {
			status = s
		} else if s, ok := statusFromCode(parsed.Code); ok {
			status = s
		}
	}
	return &Error{
		Status:   status,
		Message:  message,
		Response: append(json.RawMessage(nil), body...),
	}
}

// statusFromCode maps the daemon's JSON-RPC-compatible numeric error codes.
func statusFromCode(code int) (Status, bool) {
	switch code {
	case -32600, -32602:
		return StatusInvalidRequest, true
	case -32601:
		return StatusInvalidMethod, true
	case -32603:
		return StatusInternal, true
	default:
		return 0, false
	}
}

// readFailure classifies an error returned by the codec's read side.
func readFailure(err error) *Error {
	var frame *wire.FrameError
	switch {
	case errors.As(err, &frame):
		return &Error{Status: StatusProtocolViolation, Message: err.Error(), cause: err}
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		return &Error{Status: StatusShuttingDown, Message: "peer closed the connection", cause: err}
	default:
		return transportError("read response", err)
	}
}
