// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import (
	"github.com/juju/errors"
)

const (
	// TransportFailed describes a round trip that could not be completed:
	// connection refused or reset, timeouts and other I/O failures. Calls
	// failing with this error may always be retried.
	TransportFailed = errors.ConstError("transport failed")

	// AuthFailed describes a rejected authentication handshake or an
	// unauthorised request. It is never retried.
	AuthFailed = errors.ConstError("authentication failed")

	// InstanceMismatch is returned when a request identity was issued by a
	// server instance that no longer exists. The client must start a new
	// session before calling again.
	InstanceMismatch = errors.ConstError("server instance mismatch")

	// SerializationFailed describes arguments or results that cannot be
	// encoded or decoded. Retrying cannot change the outcome.
	SerializationFailed = errors.ConstError("serialization failed")

	// MalformedEndpoint describes an endpoint address that cannot be parsed.
	MalformedEndpoint = errors.ConstError("malformed endpoint")

	// RetriesExhausted is returned when the retry budget of a call has been
	// consumed by transport failures.
	RetriesExhausted = errors.ConstError("retries exhausted")

	// ServerUnreachable is returned when the liveness probe gave up before
	// the server answered.
	ServerUnreachable = errors.ConstError("server unreachable")
)

// kinded attaches an error class to an underlying cause without changing
// the message.
type kinded struct {
	err  error
	kind errors.ConstError
}

func (e *kinded) Error() string {
	return e.err.Error()
}

func (e *kinded) Unwrap() error {
	return e.err
}

func (e *kinded) Is(target error) bool {
	k, ok := target.(errors.ConstError)
	return ok && k == e.kind
}

// WithKind returns err annotated so that errors.Is(result, kind) holds.
// A nil error stays nil.
func WithKind(err error, kind errors.ConstError) error {
	if err == nil {
		return nil
	}
	return &kinded{err: err, kind: kind}
}

// TransportError is a TransportFailed error that also records whether the
// request had been completely written before the failure occurred.
type TransportError struct {
	Err  error
	Sent bool
}

// NewTransportError returns a TransportError wrapping err.
func NewTransportError(err error, sent bool) error {
	return &TransportError{Err: err, Sent: sent}
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return string(TransportFailed)
	}
	return string(TransportFailed) + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == TransportFailed
}

// RequestSent reports whether err is a transport failure that happened
// after the request reached the wire, so the server may have seen it.
func RequestSent(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Sent
}

// IsFatal reports whether err belongs to a class that must never be
// retried by the invocation machinery.
func IsFatal(err error) bool {
	return errors.Is(err, AuthFailed) ||
		errors.Is(err, SerializationFailed) ||
		errors.Is(err, MalformedEndpoint) ||
		errors.Is(err, InstanceMismatch)
}
