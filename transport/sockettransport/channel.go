// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sockettransport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4/catacomb"
	"golang.org/x/sync/singleflight"

	coreerrors "github.com/juju/replayrpc/core/errors"
	"github.com/juju/replayrpc/core/requestid"
	"github.com/juju/replayrpc/rpc/client"
	"github.com/juju/replayrpc/rpc/wire"
	"github.com/juju/replayrpc/worker/acknowledger"
)

var logger = loggo.GetLogger("replayrpc.transport.socket")

const (
	// DefaultIdleTimeout is how long a pooled connection may stay unused
	// when the server gives no shorter hint.
	DefaultIdleTimeout = time.Minute

	// DefaultMaxIdle is the number of idle connections kept per endpoint.
	DefaultMaxIdle = 8
)

// DialFunc opens a connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ChannelConfig holds the parameters of a Channel.
type ChannelConfig struct {
	// Address is the "host:port" of the server.
	Address string

	Clock clock.Clock

	// Dial opens connections. A net.Dialer is used when nil.
	Dial DialFunc

	// Compress compresses request payloads.
	Compress bool

	// User and Key, when set, authenticate every connection.
	User string
	Key  []byte

	// Encrypt encrypts authenticated connections.
	Encrypt bool

	// IdleTimeout caps how long a pooled connection stays unused. The
	// server's hint applies when it is shorter.
	IdleTimeout time.Duration

	// MaxIdle caps the number of pooled connections.
	MaxIdle int
}

// Validate returns an error if config cannot drive a Channel. A malformed
// address satisfies errors.Is(err, coreerrors.MalformedEndpoint).
func (config ChannelConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	host, port, err := net.SplitHostPort(config.Address)
	if err != nil {
		return coreerrors.WithKind(errors.Trace(err), coreerrors.MalformedEndpoint)
	}
	if host == "" || port == "" {
		return coreerrors.WithKind(errors.NotValidf("address %q", config.Address), coreerrors.MalformedEndpoint)
	}
	if (config.User == "") != (len(config.Key) == 0) {
		return errors.NotValidf("partial credentials")
	}
	if config.Encrypt && config.User == "" {
		return errors.NotValidf("encryption without credentials")
	}
	if config.IdleTimeout < 0 || config.MaxIdle < 0 {
		return errors.NotValidf("negative pool limit")
	}
	return nil
}

// Channel is a client.Channel speaking the socket protocol to one
// endpoint. It is also a worker that reaps idle connections and must be
// killed when no longer needed.
type Channel struct {
	catacomb catacomb.Catacomb
	config   ChannelConfig

	discovery singleflight.Group

	mu      sync.Mutex
	idle    []*conn
	session *client.Session
}

var _ client.Channel = (*Channel)(nil)

// NewChannel returns a running Channel.
func NewChannel(config ChannelConfig) (*Channel, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Dial == nil {
		var d net.Dialer
		config.Dial = d.DialContext
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.MaxIdle == 0 {
		config.MaxIdle = DefaultMaxIdle
	}
	ch := &Channel{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "socket-connection-reaper",
		Site: &ch.catacomb,
		Work: ch.loop,
	})
	return ch, errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (ch *Channel) Kill() {
	ch.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (ch *Channel) Wait() error {
	return ch.catacomb.Wait()
}

func (ch *Channel) idleTimeout() time.Duration {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	timeout := ch.config.IdleTimeout
	if ch.session != nil && ch.session.IdleTimeout > 0 && ch.session.IdleTimeout < timeout {
		timeout = ch.session.IdleTimeout
	}
	return timeout
}

func (ch *Channel) loop() error {
	defer ch.closeIdle(time.Time{})
	timeout := ch.idleTimeout()
	timer := ch.config.Clock.NewTimer(timeout / 2)
	defer timer.Stop()
	for {
		select {
		case <-ch.catacomb.Dying():
			return ch.catacomb.ErrDying()
		case now := <-timer.Chan():
			timeout = ch.idleTimeout()
			if n := ch.closeIdle(now.Add(-timeout)); n > 0 {
				logger.Tracef("closed %d idle connections to %s", n, ch.config.Address)
			}
			timer.Reset(timeout / 2)
		}
	}
}

// Session is part of client.Channel.
func (ch *Channel) Session(ctx context.Context) (client.Session, error) {
	ch.mu.Lock()
	session := ch.session
	ch.mu.Unlock()
	if session != nil {
		return *session, nil
	}
	v, err, _ := ch.discovery.Do("", func() (interface{}, error) {
		ch.mu.Lock()
		session := ch.session
		ch.mu.Unlock()
		if session != nil {
			return *session, nil
		}
		s, err := ch.discover(ctx)
		if err != nil {
			return nil, err
		}
		ch.mu.Lock()
		ch.session = &s
		ch.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return client.Session{}, errors.Trace(err)
	}
	return v.(client.Session), nil
}

func (ch *Channel) discover(ctx context.Context) (client.Session, error) {
	resp, err := ch.roundTrip(ctx, wire.Init, nil)
	if err != nil {
		return client.Session{}, errors.Annotatef(err, "binding to %s", ch.config.Address)
	}
	if resp.Status != wire.StatusOK {
		return client.Session{}, errors.Errorf("binding to %s: server replied %v", ch.config.Address, resp.Status)
	}
	info, err := wire.DecodeInit(resp.Payload)
	if err != nil {
		return client.Session{}, errors.Annotatef(err, "binding to %s", ch.config.Address)
	}
	logger.Debugf("bound to %s instance %s (idle timeout %v)", ch.config.Address, info.InstanceID, info.IdleTimeout)
	return client.Session{
		InstanceID:  info.InstanceID,
		Origin:      info.Origin,
		IDs:         requestid.NewGenerator(info.Origin, ch.config.Clock),
		IdleTimeout: info.IdleTimeout,
		Chunked:     info.Chunked,
	}, nil
}

// ResetSession is part of client.Channel. Pooled connections belong to
// the old session and are closed.
func (ch *Channel) ResetSession() {
	ch.mu.Lock()
	ch.session = nil
	ch.mu.Unlock()
	ch.closeIdle(time.Time{})
}

// SendParameters is part of client.Channel.
func (ch *Channel) SendParameters(ctx context.Context, req wire.InvokeRequest) (client.Outcome, error) {
	var buf bytes.Buffer
	if err := wire.WriteInvoke(&buf, req); err != nil {
		return client.Outcome{}, coreerrors.WithKind(errors.Trace(err), coreerrors.SerializationFailed)
	}
	return ch.outcome(ch.roundTrip(ctx, wire.Invoke, buf.Bytes()))
}

// RequestResend is part of client.Channel.
func (ch *Channel) RequestResend(ctx context.Context, req wire.ResendRequest) (client.Outcome, error) {
	return ch.outcome(ch.roundTrip(ctx, wire.Resend, wire.EncodeResend(req)))
}

// SendAcknowledgment is part of client.Channel.
func (ch *Channel) SendAcknowledgment(ctx context.Context, ids []requestid.ID) error {
	resp, err := ch.roundTrip(ctx, wire.Acknowledge, wire.EncodeAcknowledge(ids))
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Status != wire.StatusOK {
		return errors.Errorf("acknowledgment refused: %v", resp.Status)
	}
	return nil
}

// Ping is part of client.Channel.
func (ch *Channel) Ping(ctx context.Context) error {
	_, err := ch.roundTrip(ctx, wire.Ping, nil)
	return errors.Trace(err)
}

// BatchKey is part of client.Channel.
func (ch *Channel) BatchKey() acknowledger.Key {
	return acknowledger.NewKey("tcp://" + ch.config.Address)
}

func (ch *Channel) outcome(resp wire.Response, err error) (client.Outcome, error) {
	if err != nil {
		return client.Outcome{}, err
	}
	return client.Outcome{Status: resp.Status, Payload: resp.Payload}, nil
}

// roundTrip runs one conversation on a pooled connection. The connection
// goes back to the pool only if the conversation completed.
func (ch *Channel) roundTrip(ctx context.Context, t wire.RequestType, payload []byte) (wire.Response, error) {
	hdr := wire.Header{Type: t}
	if ch.config.Compress && len(payload) > 0 {
		hdr.Flags |= wire.Compressed
	}
	if ch.config.User != "" {
		hdr.Flags |= wire.RequiresAuth
	}
	payload, err := encodePayload(hdr, payload)
	if err != nil {
		return wire.Response{}, coreerrors.WithKind(errors.Trace(err), coreerrors.SerializationFailed)
	}
	c, err := ch.get(ctx)
	if err != nil {
		return wire.Response{}, errors.Trace(err)
	}
	resp, err := ch.converse(ctx, c, wire.Frame{Header: hdr, Payload: payload})
	if err != nil {
		_ = c.Close()
		return wire.Response{}, errors.Trace(err)
	}
	if resp.Status == wire.StatusAuthFailed {
		// The server hangs up after refusing a request.
		_ = c.Close()
		return wire.Response{}, coreerrors.WithKind(errors.Unauthorizedf("%v to %s", t, ch.config.Address), coreerrors.AuthFailed)
	}
	ch.put(c)
	return resp, nil
}
