// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sockettransport

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/juju/errors"

	coreerrors "github.com/juju/replayrpc/core/errors"
	"github.com/juju/replayrpc/internal/auth"
	"github.com/juju/replayrpc/rpc/wire"
)

// conn is a pooled connection, possibly authenticated and encrypted.
type conn struct {
	net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	lastUsed time.Time
}

func newConn(c net.Conn) *conn {
	return &conn{
		Conn: c,
		r:    bufio.NewReader(c),
		w:    bufio.NewWriter(c),
	}
}

// wrap replaces the buffered streams with ones over the encrypted conn.
func (c *conn) wrap(enc *auth.EncryptedConn) {
	c.r = bufio.NewReader(enc)
	c.w = bufio.NewWriter(enc)
}

// get returns an idle connection, or dials a new one.
func (ch *Channel) get(ctx context.Context) (*conn, error) {
	ch.mu.Lock()
	if n := len(ch.idle); n > 0 {
		c := ch.idle[n-1]
		ch.idle = ch.idle[:n-1]
		ch.mu.Unlock()
		return c, nil
	}
	ch.mu.Unlock()
	return ch.dial(ctx)
}

// put returns a healthy connection to the pool.
func (ch *Channel) put(c *conn) {
	c.lastUsed = ch.config.Clock.Now()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.idle) >= ch.config.MaxIdle {
		_ = c.Close()
		return
	}
	ch.idle = append(ch.idle, c)
}

// closeIdle closes the pooled connections unused since before cutoff, or
// all of them when cutoff is zero.
func (ch *Channel) closeIdle(cutoff time.Time) int {
	ch.mu.Lock()
	var keep, stale []*conn
	for _, c := range ch.idle {
		if cutoff.IsZero() || !c.lastUsed.After(cutoff) {
			stale = append(stale, c)
		} else {
			keep = append(keep, c)
		}
	}
	ch.idle = keep
	ch.mu.Unlock()
	for _, c := range stale {
		_ = c.Close()
	}
	return len(stale)
}

// IdleConnections returns the number of pooled connections.
func (ch *Channel) IdleConnections() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.idle)
}

func (ch *Channel) dial(ctx context.Context) (*conn, error) {
	raw, err := ch.config.Dial(ctx, "tcp", ch.config.Address)
	if err != nil {
		return nil, coreerrors.NewTransportError(err, false)
	}
	c := newConn(raw)
	if ch.config.User == "" {
		return c, nil
	}
	if err := ch.handshake(ctx, c); err != nil {
		_ = c.Close()
		return nil, errors.Trace(err)
	}
	return c, nil
}

// handshake authenticates a fresh connection and, if configured, switches
// it to encrypted streams for the rest of its life.
func (ch *Channel) handshake(ctx context.Context, c *conn) error {
	nonce, challenge, err := auth.NewChallenge(ch.config.Key)
	if err != nil {
		return errors.Trace(err)
	}
	hdr := wire.Header{Type: wire.CreateSession, Flags: wire.RequiresAuth}
	if ch.config.Encrypt {
		hdr.Flags |= wire.RequiresEncryption
	}
	f := wire.Frame{
		Header: hdr,
		Payload: wire.EncodeSession(wire.SessionRequest{
			User:      ch.config.User,
			Nonce:     nonce,
			Challenge: challenge,
		}),
	}
	resp, err := ch.converse(ctx, c, f)
	if err != nil {
		return errors.Annotate(err, "creating session")
	}
	switch resp.Status {
	case wire.StatusOK:
	case wire.StatusAuthFailed:
		return coreerrors.WithKind(errors.Unauthorizedf("session for %q", ch.config.User), coreerrors.AuthFailed)
	default:
		return coreerrors.NewTransportError(errors.Errorf("creating session: server replied %v", resp.Status), true)
	}
	if ch.config.Encrypt {
		c2s, s2c, err := auth.SessionCiphers(ch.config.Key, challenge)
		if err != nil {
			return errors.Trace(err)
		}
		c.wrap(auth.NewEncryptedConn(c.Conn, s2c, c2s))
	}
	return nil
}

// converse runs one conversation on c. The connection is unusable after
// any error.
func (ch *Channel) converse(ctx context.Context, c *conn, f wire.Frame) (wire.Response, error) {
	stop := ch.bind(ctx, c)
	defer stop()
	if err := writeRequest(c.w, f); err != nil {
		return wire.Response{}, coreerrors.NewTransportError(err, false)
	}
	if f.Header.Type == wire.Ping {
		if err := readEcho(c.r, f.Header.Byte()); err != nil {
			return wire.Response{}, coreerrors.NewTransportError(err, true)
		}
		return wire.Response{Status: wire.StatusOK}, nil
	}
	resp, err := readReply(c.r)
	if err != nil {
		return wire.Response{}, coreerrors.NewTransportError(err, true)
	}
	return resp, nil
}

// bind applies the deadline of ctx to c and interrupts c if ctx is
// cancelled. The returned func undoes both.
func (ch *Channel) bind(ctx context.Context, c *conn) func() {
	deadline, _ := ctx.Deadline()
	_ = c.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = c.SetDeadline(time.Time{})
	}
}
