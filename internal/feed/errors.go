package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks any failure of the stream connection itself.
	ErrTransport = errors.New("stream transport error")
	// ErrDegraded is returned by Run once the reconnect budget is spent.
	ErrDegraded = errors.New("stream degraded: reconnect budget exhausted")
	// ErrAuthRejected is the upstream refusing the credentials.
	ErrAuthRejected = errors.New("stream authentication rejected")
	// ErrMalformed marks a payload that could not be decoded.
	ErrMalformed = errors.New("malformed stream payload")

	errEmpty = errors.New("empty payload")
)

// TransportError records which step of a session failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("stream %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// MalformedError carries a truncated copy of the offending payload.
type MalformedError struct {
	Payload string
	Err     error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed stream payload %q: %v", e.Payload, e.Err)
}

func (e *MalformedError) Unwrap() []error { return []error{ErrMalformed, e.Err} }
