// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package requestid defines the identity carried by every attempt of one
// logical remote call.
package requestid

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// originSeparator separates the server instance marker from the client
// component of an Origin.
const originSeparator = "/"

// Origin identifies one client binding to one server endpoint. It embeds
// the id of the server instance that issued it, so a restarted server can
// recognise identities that belong to its predecessor.
type Origin string

// NewOrigin returns an Origin bound to the given server instance with a
// freshly generated client component.
func NewOrigin(instanceID string) Origin {
	return Origin(instanceID + originSeparator + uuid.NewString())
}

// Instance returns the server instance marker embedded in the origin, or
// the empty string if the origin carries none.
func (o Origin) Instance() string {
	instance, _, found := strings.Cut(string(o), originSeparator)
	if !found {
		return ""
	}
	return instance
}

// Key is the comparable part of an ID. Two IDs are the same request if and
// only if their keys are equal.
type Key struct {
	Origin   Origin
	Sequence uint64
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.Origin, k.Sequence)
}

// ID identifies one logical invocation across all of its retries.
// Timestamps are metadata only.
type ID struct {
	Origin     Origin
	Sequence   uint64
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Key returns the identity of the request.
func (id ID) Key() Key {
	return Key{Origin: id.Origin, Sequence: id.Sequence}
}

// Equal reports whether both ids name the same request.
func (id ID) Equal(other ID) bool {
	return id.Key() == other.Key()
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.Key().String()
}

// Finished reports whether MarkFinished has been called.
func (id ID) Finished() bool {
	return !id.FinishedAt.IsZero()
}

// MarkFinished records the time at which the request completed. Only the
// first call has an effect.
func (id *ID) MarkFinished(now time.Time) {
	if id.FinishedAt.IsZero() {
		id.FinishedAt = now
	}
}

// IsExpired reports whether the request finished more than maxAge before
// now. Unfinished requests never expire.
func (id ID) IsExpired(now time.Time, maxAge time.Duration) bool {
	if id.FinishedAt.IsZero() {
		return false
	}
	return now.Sub(id.FinishedAt) > maxAge
}

// Generator hands out IDs for a single origin.
type Generator struct {
	origin   Origin
	clock    clock.Clock
	sequence atomic.Uint64
}

// NewGenerator returns a Generator producing ids for origin.
func NewGenerator(origin Origin, clock clock.Clock) *Generator {
	return &Generator{
		origin: origin,
		clock:  clock,
	}
}

// Origin returns the origin the generator issues ids for.
func (g *Generator) Origin() Origin {
	return g.origin
}

// Next returns a new ID carrying the next sequence number.
func (g *Generator) Next() ID {
	return ID{
		Origin:    g.origin,
		Sequence:  g.sequence.Add(1),
		CreatedAt: g.clock.Now(),
	}
}
