// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package event notifies interested parties about completed method
// executions.
package event

import (
	"bytes"
	"time"

	"github.com/juju/replayrpc/core/requestid"
	"github.com/juju/replayrpc/rpc/wire"
)

// MethodInvoked describes one execution of a method body. Its slices are
// owned by the receiver.
type MethodInvoked struct {
	ID       requestid.ID
	Target   wire.Target
	Args     []byte
	Status   wire.Status
	Result   []byte
	Started  time.Time
	Duration time.Duration
}

// Listener receives events. Implementations must not block for long; they
// run on the goroutine that executed the method.
type Listener interface {
	MethodInvoked(MethodInvoked)
}

// ListenerFunc adapts a function into a Listener.
type ListenerFunc func(MethodInvoked)

// MethodInvoked implements Listener.
func (f ListenerFunc) MethodInvoked(e MethodInvoked) {
	f(e)
}

// Notify delivers e to l with private copies of its payloads. A nil
// listener is ignored.
func Notify(l Listener, e MethodInvoked) {
	if l == nil {
		return
	}
	e.Args = bytes.Clone(e.Args)
	e.Result = bytes.Clone(e.Result)
	l.MethodInvoked(e)
}
