// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package client

import (
	"github.com/juju/errors"

	coreerrors "github.com/juju/replayrpc/core/errors"
	"github.com/juju/replayrpc/rpc/wire"
)

// RuntimeError is raised when the remote method panicked.
type RuntimeError struct {
	Fault *wire.Fault
}

func (e *RuntimeError) Error() string {
	return "remote runtime error: " + e.Fault.Error()
}

func (e *RuntimeError) Unwrap() error {
	return e.Fault
}

// UndeclaredError wraps a fault the called method does not declare.
type UndeclaredError struct {
	Fault *wire.Fault
}

func (e *UndeclaredError) Error() string {
	return "undeclared remote fault: " + e.Fault.Error()
}

func (e *UndeclaredError) Unwrap() error {
	return e.Fault
}

// IsRemote reports whether err was raised by the remote method rather than
// by the invocation machinery.
func IsRemote(err error) bool {
	var fault *wire.Fault
	return errors.As(err, &fault)
}

// classifyFault decodes a fault payload and returns the error the caller
// of m should see. Faults whose code m declares are returned as they are.
func classifyFault(m Method, payload []byte) error {
	fault, err := wire.DecodeFault(payload)
	if err != nil {
		return coreerrors.WithKind(errors.Annotatef(err, "decoding fault of %v", m.Key()), coreerrors.SerializationFailed)
	}
	switch {
	case fault.Kind == wire.FaultRuntime:
		return &RuntimeError{Fault: fault}
	case m.Declares(fault.Code):
		return fault
	}
	return &UndeclaredError{Fault: fault}
}
