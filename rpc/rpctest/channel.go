// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package rpctest provides an in-process channel for exercising clients
// against a real server without a network.
package rpctest

import (
	"bytes"
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	coreerrors "github.com/juju/replayrpc/core/errors"
	"github.com/juju/replayrpc/core/requestid"
	"github.com/juju/replayrpc/rpc/client"
	"github.com/juju/replayrpc/rpc/server"
	"github.com/juju/replayrpc/rpc/wire"
	"github.com/juju/replayrpc/worker/acknowledger"
)

// Failure is an injected transport failure.
type Failure int

const (
	// DropRequest loses the request before the server sees it.
	DropRequest Failure = iota + 1
	// DropResponse delivers the request but loses the response.
	DropResponse
	// RejectAuth fails the request as unauthorised.
	RejectAuth
)

// Channel is a client.Channel delivering requests straight to a Server.
type Channel struct {
	endpoint string

	mu       sync.Mutex
	server   *server.Server
	session  *client.Session
	failures []Failure
	down     int
	requests []wire.RequestType
	acks     [][]requestid.ID
}

var _ client.Channel = (*Channel)(nil)

// NewChannel returns a Channel to srv, known by endpoint.
func NewChannel(endpoint string, srv *server.Server) *Channel {
	return &Channel{endpoint: endpoint, server: srv}
}

// SetServer replaces the server behind the channel, as a restart would.
func (c *Channel) SetServer(srv *server.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server = srv
}

// Fail queues failures for the next invoke or resend requests, one per
// request.
func (c *Channel) Fail(failures ...Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, failures...)
}

// SetDown makes the next n pings fail.
func (c *Channel) SetDown(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = n
}

// Requests returns the types of the requests that reached the channel,
// including those failed on purpose.
func (c *Channel) Requests() []wire.RequestType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.RequestType(nil), c.requests...)
}

// Acknowledgments returns the acknowledgment batches delivered so far.
func (c *Channel) Acknowledgments() [][]requestid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]requestid.ID(nil), c.acks...)
}

// Session is part of client.Channel.
func (c *Channel) Session(ctx context.Context) (client.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return *c.session, nil
	}
	c.requests = append(c.requests, wire.Init)
	resp := c.server.Init()
	info, err := wire.DecodeInit(resp.Payload)
	if err != nil {
		return client.Session{}, errors.Trace(err)
	}
	c.session = &client.Session{
		InstanceID:  info.InstanceID,
		Origin:      info.Origin,
		IDs:         requestid.NewGenerator(info.Origin, clock.WallClock),
		IdleTimeout: info.IdleTimeout,
		Chunked:     info.Chunked,
	}
	return *c.session, nil
}

// ResetSession is part of client.Channel.
func (c *Channel) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
}

// SendParameters is part of client.Channel.
func (c *Channel) SendParameters(ctx context.Context, req wire.InvokeRequest) (client.Outcome, error) {
	var buf bytes.Buffer
	if err := wire.WriteInvoke(&buf, req); err != nil {
		return client.Outcome{}, coreerrors.WithKind(errors.Trace(err), coreerrors.SerializationFailed)
	}
	return c.roundTrip(ctx, wire.Invoke, buf.Bytes())
}

// RequestResend is part of client.Channel.
func (c *Channel) RequestResend(ctx context.Context, req wire.ResendRequest) (client.Outcome, error) {
	return c.roundTrip(ctx, wire.Resend, wire.EncodeResend(req))
}

// Ping is part of client.Channel.
func (c *Channel) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, wire.Ping)
	if c.down > 0 {
		c.down--
		return coreerrors.NewTransportError(errors.New("connection refused"), false)
	}
	return nil
}

// SendAcknowledgment is part of client.Channel.
func (c *Channel) SendAcknowledgment(ctx context.Context, ids []requestid.ID) error {
	outcome, err := c.roundTrip(ctx, wire.Acknowledge, wire.EncodeAcknowledge(ids))
	if err != nil {
		return errors.Trace(err)
	}
	if outcome.Status != wire.StatusOK {
		return errors.Errorf("acknowledgment refused: %v", outcome.Status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, ids)
	return nil
}

// BatchKey is part of client.Channel.
func (c *Channel) BatchKey() acknowledger.Key {
	return acknowledger.NewKey(c.endpoint)
}

func (c *Channel) roundTrip(ctx context.Context, t wire.RequestType, payload []byte) (client.Outcome, error) {
	c.mu.Lock()
	c.requests = append(c.requests, t)
	srv := c.server
	var failure Failure
	if t != wire.Acknowledge && len(c.failures) > 0 {
		failure, c.failures = c.failures[0], c.failures[1:]
	}
	c.mu.Unlock()

	switch failure {
	case DropRequest:
		return client.Outcome{}, coreerrors.NewTransportError(errors.New("connection reset"), false)
	case RejectAuth:
		return client.Outcome{}, errors.Annotate(coreerrors.AuthFailed, "rejected")
	}

	type reply struct {
		resp wire.Response
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := srv.Handle(ctx, wire.Header{Type: t}, bytes.NewReader(payload))
		done <- reply{resp, err}
	}()
	select {
	case <-ctx.Done():
		return client.Outcome{}, coreerrors.NewTransportError(ctx.Err(), true)
	case r := <-done:
		if r.err != nil {
			return client.Outcome{}, coreerrors.NewTransportError(r.err, true)
		}
		if failure == DropResponse {
			return client.Outcome{}, coreerrors.NewTransportError(errors.New("connection reset"), true)
		}
		return client.Outcome{Status: r.resp.Status, Payload: r.resp.Payload}, nil
	}
}
