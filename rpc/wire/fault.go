// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"bytes"
	"fmt"

	"github.com/juju/errors"
)

// FaultKind classifies a fault raised by a remote method.
type FaultKind byte

const (
	// FaultDeclared is a fault whose code the method declares.
	FaultDeclared FaultKind = 1
	// FaultRuntime is a fault caused by a panic in the method body.
	FaultRuntime FaultKind = 2
	// FaultUndeclared is an error the method does not declare.
	FaultUndeclared FaultKind = 3
)

func (k FaultKind) String() string {
	switch k {
	case FaultDeclared:
		return "declared"
	case FaultRuntime:
		return "runtime"
	case FaultUndeclared:
		return "undeclared"
	}
	return fmt.Sprintf("fault-kind(%d)", byte(k))
}

// Fault is the data form of an error raised by a remote method. Faults are
// cached and replayed exactly like results.
type Fault struct {
	Kind    FaultKind
	Code    string
	Message string
}

// NewFault returns a declared fault with the given code. Methods return
// it to raise one of their declared faults.
func NewFault(code, format string, args ...any) *Fault {
	return &Fault{
		Kind:    FaultDeclared,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func (f *Fault) Error() string {
	if f.Code == "" {
		return f.Message
	}
	return f.Message + " (" + f.Code + ")"
}

// EncodeFault returns the payload form of f.
func EncodeFault(f *Fault) []byte {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	e.Byte(byte(f.Kind))
	e.String(f.Code)
	e.String(f.Message)
	return buf.Bytes()
}

// DecodeFault parses a fault payload.
func DecodeFault(p []byte) (*Fault, error) {
	d := NewDecoder(bytes.NewReader(p))
	kind, err := d.Byte()
	if err != nil {
		return nil, errors.Annotate(err, "reading fault kind")
	}
	code, err := d.String()
	if err != nil {
		return nil, errors.Annotate(err, "reading fault code")
	}
	msg, err := d.String()
	if err != nil {
		return nil, errors.Annotate(err, "reading fault message")
	}
	return &Fault{Kind: FaultKind(kind), Code: code, Message: msg}, nil
}
