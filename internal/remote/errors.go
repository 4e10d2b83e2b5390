package remote

import (
	"context"
	"errors"
	"fmt"
)

// Failure classes returned by Client. Check them with errors.Is():
//
//	if errors.Is(err, remote.ErrDecode) {
//	    // the backend answered, but not with the expected row shape
//	}
var (
	// ErrTransport is returned when no HTTP response was received.
	ErrTransport = errors.New("transport failure")

	// ErrProtocol is returned for non-2xx responses. The concrete error is
	// a *StatusError carrying the status code and the body's message.
	ErrProtocol = errors.New("protocol failure")

	// ErrDecode is returned when a response body does not match the
	// expected shape.
	ErrDecode = errors.New("decode failure")
)

// StatusError describes a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrProtocol) match any StatusError.
func (e *StatusError) Is(target error) bool {
	return target == ErrProtocol
}

// IsRetryable reports whether repeating the request might succeed.
//
// Transport and protocol failures are retryable. Decode failures are not:
// a malformed response usually means a non-transient server problem.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrDecode) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrProtocol)
}
