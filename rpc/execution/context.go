// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package execution holds the server side record of every request
// identity: its progress through execution and its cached outcome.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/juju/replayrpc/core/requestid"
	"github.com/juju/replayrpc/rpc/wire"
)

// State is a step in the life of a request on the server.
type State int

const (
	// Created means the context exists but no attempt is reading its
	// parameters.
	Created State = iota
	// ReadingParameters means one attempt is decoding the parameters.
	ReadingParameters
	// Invoking means the method is running.
	Invoking
	// Finished means the outcome is cached.
	Finished
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case ReadingParameters:
		return "reading-parameters"
	case Invoking:
		return "invoking"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the cached reply of a finished request: either a result or a
// fault payload, never both.
type Outcome struct {
	Status  wire.Status
	Payload []byte
}

// Context tracks one request identity. Only the attempt that claimed it
// moves it forward; every other attempt waits for it to finish.
type Context struct {
	id requestid.ID

	mu         sync.Mutex
	state      State
	target     wire.Target
	outcome    Outcome
	finishedAt time.Time
	releasedAt time.Time
	// retired is set once the store sweeps the context; it can no longer
	// be claimed.
	retired bool
	// changed is closed and replaced on every transition.
	changed chan struct{}
}

func newContext(id requestid.ID) *Context {
	return &Context{
		id:      id,
		changed: make(chan struct{}),
	}
}

// ID returns the request identity.
func (c *Context) ID() requestid.ID {
	return c.id
}

// State returns the current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target returns the decoded target once the context is invoking.
func (c *Context) Target() wire.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// FinishedAt returns when the context finished, or the zero time.
func (c *Context) FinishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedAt
}

// Outcome returns the cached outcome and whether the context finished.
func (c *Context) Outcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome, c.state == Finished
}

// Claim moves a Created context to ReadingParameters and reports whether
// the caller now owns it.
func (c *Context) Claim() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Created || c.retired {
		return false
	}
	c.transition(ReadingParameters)
	return true
}

// Release returns a claimed context to Created, for an owner that failed
// to read the parameters. A later attempt then proceeds as the original;
// if none arrives within the sweep age the store forgets the context.
func (c *Context) Release(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ReadingParameters {
		c.releasedAt = now
		c.transition(Created)
	}
}

// Retired reports whether the store has swept the context. An attempt
// holding a retired context must look the id up again.
func (c *Context) Retired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retired
}

// retireIfStale retires a context that finished, or was released, more
// than maxAge before now. Claimed and invoking contexts are never stale.
func (c *Context) retireIfStale(now time.Time, maxAge time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var since time.Time
	switch c.state {
	case Finished:
		since = c.finishedAt
	case Created:
		since = c.releasedAt
	}
	if since.IsZero() || now.Sub(since) <= maxAge {
		return false
	}
	c.retired = true
	return true
}

// BeginInvoking records the decoded target and moves a claimed context to
// Invoking.
func (c *Context) BeginInvoking(target wire.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ReadingParameters {
		panic(fmt.Sprintf("request %v: begin invoking from %v", c.id, c.state))
	}
	c.target = target
	c.transition(Invoking)
}

// Finish caches the outcome and wakes every waiter. Only the first call
// commits an outcome; it returns false for later calls.
func (c *Context) Finish(outcome Outcome, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Finished {
		return false
	}
	c.outcome = outcome
	c.finishedAt = now
	c.transition(Finished)
	return true
}

// transition must be called with mu held.
func (c *Context) transition(to State) {
	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})
}

// WaitChange blocks until the state differs from from, the context is
// done or the timeout elapses, and returns the state observed last.
func (c *Context) WaitChange(ctx context.Context, clk clock.Clock, from State, timeout time.Duration) State {
	if timeout <= 0 {
		return c.State()
	}
	timer := clk.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()
		if state != from {
			return state
		}
		select {
		case <-changed:
		case <-timer.Chan():
			return c.State()
		case <-ctx.Done():
			return c.State()
		}
	}
}

// WaitFinished blocks until the context finishes, the context is done or
// the timeout elapses. It reports whether an outcome is available.
func (c *Context) WaitFinished(ctx context.Context, clk clock.Clock, timeout time.Duration) (Outcome, bool) {
	if timeout <= 0 {
		return c.Outcome()
	}
	timer := clk.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		state, changed, outcome := c.state, c.changed, c.outcome
		c.mu.Unlock()
		if state == Finished {
			return outcome, true
		}
		select {
		case <-changed:
		case <-timer.Chan():
			return c.Outcome()
		case <-ctx.Done():
			return c.Outcome()
		}
	}
}
