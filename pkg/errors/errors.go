// Package errors defines the error taxonomy shared by the bridge's client
// and server halves.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ConnectionError means the daemon was unreachable, either when a proxy was
// constructed or at call time. It is never retried automatically.
type ConnectionError struct {
	Addr  string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot reach mmcore daemon at %s: %v (is one running? start it with `mmcore-daemon --host <host> --port <port>`)", e.Addr, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// EncodeError means a value of an unregistered type was asked to cross the
// process boundary.
type EncodeError struct {
	TypeName string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("no codec registered to encode values of type %s", e.TypeName)
}

// DecodeError means an envelope arrived with an unregistered or malformed
// class tag.
type DecodeError struct {
	Tag    string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot decode envelope tagged %q: %s", e.Tag, e.Reason)
	}
	return fmt.Sprintf("no codec registered for envelope tag %q", e.Tag)
}

// CommunicationError wraps a transport failure while talking to a peer that
// was previously reachable. During event emission it means "handler gone".
type CommunicationError struct {
	Op    string
	Cause error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("communication failure during %s: %v", e.Op, e.Cause)
}

func (e *CommunicationError) Unwrap() error { return e.Cause }

// IsCommunication reports whether err is (or wraps) a CommunicationError.
func IsCommunication(err error) bool {
	var ce *CommunicationError
	return errors.As(err, &ce)
}

// RemoteError is a server-side failure with no registered codec for its
// original kind. The message text survives, the type does not.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("remote execution failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("remote execution failed: %s", e.Message)
}

// TimeoutError means the bootstrap helper gave up waiting for a daemon to
// come up. Retry policy belongs to the caller.
type TimeoutError struct {
	Addr    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("daemon at %s did not answer within %s", e.Addr, e.Timeout)
}

// UnknownMethodError means a call named an object or method the server does
// not expose.
type UnknownMethodError struct {
	Object string
	Method string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("object %q has no method %q", e.Object, e.Method)
}

// InvalidAddressError means an endpoint URI could not be parsed.
type InvalidAddressError struct {
	URI    string
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid endpoint address %q: %s", e.URI, e.Reason)
}
