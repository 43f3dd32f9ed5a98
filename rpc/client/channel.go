// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package client

import (
	"context"
	"time"

	"github.com/juju/replayrpc/core/requestid"
	"github.com/juju/replayrpc/rpc/wire"
	"github.com/juju/replayrpc/worker/acknowledger"
)

// Session is what a channel learned from the server when it bound to it.
type Session struct {
	// InstanceID identifies the server process.
	InstanceID string

	// Origin is the origin issued to this client.
	Origin requestid.Origin

	// IDs hands out identities for Origin. Everything sharing the
	// session must draw from it.
	IDs *requestid.Generator

	// IdleTimeout is how long the server keeps idle connections.
	IdleTimeout time.Duration

	// Chunked reports whether request bodies may be streamed.
	Chunked bool
}

// Outcome is the application level reply to a request. Transport level
// failures are reported as errors alongside it, never through Status.
type Outcome struct {
	Status  wire.Status
	Payload []byte
}

// Channel carries requests to a single server endpoint.
//
// Errors returned by a Channel are classified with the sentinels in
// core/errors: a TransportFailed error may be retried, and records whether
// the request had been completely sent; AuthFailed and MalformedEndpoint
// are fatal.
type Channel interface {
	acknowledger.Sender

	// Session returns the current session, binding to the server first
	// if needed.
	Session(ctx context.Context) (Session, error)

	// ResetSession forgets the current session. The next call to Session
	// binds again.
	ResetSession()

	// SendParameters sends a complete invocation.
	SendParameters(ctx context.Context, req wire.InvokeRequest) (Outcome, error)

	// RequestResend asks for the outcome of an invocation sent earlier.
	RequestResend(ctx context.Context, req wire.ResendRequest) (Outcome, error)

	// Ping checks the endpoint is alive.
	Ping(ctx context.Context) error

	// BatchKey returns the key acknowledgments for this channel are
	// batched under.
	BatchKey() acknowledger.Key
}

// Acknowledger queues finished requests so the server can forget them.
type Acknowledger interface {
	Enqueue(key acknowledger.Key, sender acknowledger.Sender, id requestid.ID)
}
