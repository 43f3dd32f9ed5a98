// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httptransport

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/juju/clock"
	"github.com/juju/errors"
	cookiejar "github.com/juju/persistent-cookiejar"

	coreerrors "github.com/juju/replayrpc/core/errors"
	"github.com/juju/replayrpc/core/requestid"
	"github.com/juju/replayrpc/internal/auth"
	"github.com/juju/replayrpc/internal/compress"
	"github.com/juju/replayrpc/rpc/client"
	"github.com/juju/replayrpc/rpc/wire"
	"github.com/juju/replayrpc/worker/acknowledger"
)

// Request headers carrying the challenge of an authenticated request.
const (
	HeaderUser      = "Replay-User"
	HeaderNonce     = "Replay-Nonce"
	HeaderChallenge = "Replay-Challenge"
)

const contentType = "application/octet-stream"

// ChannelConfig holds the parameters of a Channel.
type ChannelConfig struct {
	// Manager owns the pooled connections.
	Manager *ConnectionManager

	// URL is the base URL the server handler is mounted at.
	URL string

	// Clock stamps request identities.
	Clock clock.Clock

	// Jar holds the session affinity cookies of the endpoint. A private
	// in-memory jar is used when nil.
	Jar *cookiejar.Jar

	// Compress compresses request payloads.
	Compress bool

	// User and Key, when set, authenticate every request.
	User string
	Key  []byte
}

// Validate returns an error if config cannot drive a Channel.
func (config ChannelConfig) Validate() error {
	if config.Manager == nil {
		return errors.NotValidf("nil Manager")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if (config.User == "") != (len(config.Key) == 0) {
		return errors.NotValidf("partial credentials")
	}
	return nil
}

// Channel is a client.Channel speaking HTTP to one endpoint.
type Channel struct {
	config   ChannelConfig
	endpoint *url.URL
	base     string
	jar      *cookiejar.Jar
}

var _ client.Channel = (*Channel)(nil)

// NewChannel returns a Channel for config.URL. An unusable URL is
// reported as coreerrors.MalformedEndpoint.
func NewChannel(config ChannelConfig) (*Channel, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, coreerrors.WithKind(errors.Trace(err), coreerrors.MalformedEndpoint)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, coreerrors.WithKind(errors.NotValidf("endpoint %q", config.URL), coreerrors.MalformedEndpoint)
	}
	jar := config.Jar
	if jar == nil {
		if jar, err = cookiejar.New(&cookiejar.Options{NoPersist: true}); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return &Channel{
		config:   config,
		endpoint: u,
		base:     strings.TrimSuffix(u.String(), "/"),
		jar:      jar,
	}, nil
}

// Session is part of client.Channel. Sessions are shared by every
// Channel of the manager that talks to the same endpoint.
func (c *Channel) Session(ctx context.Context) (client.Session, error) {
	return c.config.Manager.session(ctx, c.base, c.discover)
}

// ResetSession is part of client.Channel.
func (c *Channel) ResetSession() {
	c.config.Manager.forget(c.base)
}

func (c *Channel) discover(ctx context.Context) (client.Session, error) {
	outcome, err := c.exchange(ctx, "/", wire.Init, false, nil)
	if err != nil {
		return client.Session{}, errors.Annotatef(err, "binding to %s", c.base)
	}
	if outcome.Status != wire.StatusOK {
		return client.Session{}, errors.Errorf("binding to %s: server replied %v", c.base, outcome.Status)
	}
	info, err := wire.DecodeInit(outcome.Payload)
	if err != nil {
		return client.Session{}, errors.Annotatef(err, "binding to %s", c.base)
	}
	logger.Debugf("bound to %s instance %s (chunked: %v)", c.base, info.InstanceID, info.Chunked)
	return client.Session{
		InstanceID:  info.InstanceID,
		Origin:      info.Origin,
		IDs:         requestid.NewGenerator(info.Origin, c.config.Clock),
		IdleTimeout: info.IdleTimeout,
		Chunked:     info.Chunked,
	}, nil
}

// SendParameters is part of client.Channel. The body is streamed when the
// server accepts chunked requests.
func (c *Channel) SendParameters(ctx context.Context, req wire.InvokeRequest) (client.Outcome, error) {
	session, err := c.Session(ctx)
	if err != nil {
		return client.Outcome{}, errors.Trace(err)
	}
	return c.exchange(ctx, "/"+url.PathEscape(req.Target.Service), wire.Invoke, session.Chunked, func(w io.Writer) error {
		return wire.WriteInvoke(w, req)
	})
}

// RequestResend is part of client.Channel.
func (c *Channel) RequestResend(ctx context.Context, req wire.ResendRequest) (client.Outcome, error) {
	return c.exchange(ctx, "/", wire.Resend, false, payload(wire.EncodeResend(req)))
}

// SendAcknowledgment is part of client.Channel.
func (c *Channel) SendAcknowledgment(ctx context.Context, ids []requestid.ID) error {
	outcome, err := c.exchange(ctx, "/", wire.Acknowledge, false, payload(wire.EncodeAcknowledge(ids)))
	if err != nil {
		return errors.Trace(err)
	}
	if outcome.Status != wire.StatusOK {
		return errors.Errorf("acknowledgment refused: %v", outcome.Status)
	}
	return nil
}

// Ping is part of client.Channel. The server echoes the request byte.
func (c *Channel) Ping(ctx context.Context) error {
	hdr := c.header(wire.Ping, false)
	resp, err := c.post(ctx, "/", hdr, false, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()
	echo, err := io.ReadAll(io.LimitReader(resp.Body, 2))
	if err != nil {
		return coreerrors.NewTransportError(err, true)
	}
	if len(echo) != 1 || echo[0] != hdr.Byte() {
		return coreerrors.NewTransportError(errors.Errorf("unexpected ping reply %x", echo), true)
	}
	return nil
}

// BatchKey is part of client.Channel. Affinity cookies are part of the
// key so acknowledgments reach the instance that holds the requests.
func (c *Channel) BatchKey() acknowledger.Key {
	var tokens []string
	for _, cookie := range c.jar.Cookies(c.endpoint) {
		tokens = append(tokens, cookie.Name+"="+cookie.Value)
	}
	return acknowledger.NewKey(c.base, tokens...)
}

func payload(p []byte) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := w.Write(p)
		return err
	}
}

func (c *Channel) header(t wire.RequestType, hasPayload bool) wire.Header {
	hdr := wire.Header{Type: t}
	if hasPayload && c.config.Compress {
		hdr.Flags |= wire.Compressed
	}
	if c.config.User != "" {
		hdr.Flags |= wire.RequiresAuth
	}
	return hdr
}

// exchange posts one request and decodes the framed response.
func (c *Channel) exchange(ctx context.Context, path string, t wire.RequestType, chunked bool, write func(io.Writer) error) (client.Outcome, error) {
	resp, err := c.post(ctx, path, c.header(t, write != nil), chunked, write)
	if err != nil {
		return client.Outcome{}, errors.Trace(err)
	}
	defer resp.Body.Close()
	reply, err := wire.ReadResponse(resp.Body)
	if err != nil {
		return client.Outcome{}, coreerrors.NewTransportError(err, true)
	}
	return client.Outcome{Status: reply.Status, Payload: reply.Payload}, nil
}

// post sends the header byte followed by the payload written by write.
// Failures are classified; a transport failure records whether the whole
// request was written.
func (c *Channel) post(ctx context.Context, path string, hdr wire.Header, chunked bool, write func(io.Writer) error) (*http.Response, error) {
	encode := func(w io.Writer) error {
		if _, err := w.Write([]byte{hdr.Byte()}); err != nil {
			return err
		}
		if write == nil {
			return nil
		}
		if !hdr.Flags.Has(wire.Compressed) {
			return write(w)
		}
		cw := compress.NewWriter(w)
		if err := write(cw); err != nil {
			return err
		}
		return cw.Close()
	}

	var (
		body          io.Reader
		contentLength int64
	)
	if chunked {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(encode(pw))
		}()
		body, contentLength = pr, -1
	} else {
		var buf bytes.Buffer
		if err := encode(&buf); err != nil {
			return nil, coreerrors.WithKind(errors.Trace(err), coreerrors.SerializationFailed)
		}
		body, contentLength = &buf, int64(buf.Len())
	}

	var sent atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				sent.Store(true)
			}
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return nil, coreerrors.WithKind(errors.Trace(err), coreerrors.MalformedEndpoint)
	}
	req.ContentLength = contentLength
	req.Header.Set("Content-Type", contentType)
	if err := c.authenticate(req); err != nil {
		return nil, errors.Trace(err)
	}
	for _, cookie := range c.jar.Cookies(c.endpoint) {
		req.AddCookie(cookie)
	}

	resp, err := c.config.Manager.do(req)
	if err != nil {
		return nil, coreerrors.NewTransportError(err, sent.Load())
	}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		c.jar.SetCookies(c.endpoint, cookies)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return nil, coreerrors.WithKind(errors.Unauthorizedf("%s %s", hdr.Type, resp.Status), coreerrors.AuthFailed)
	}
	reason, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return nil, coreerrors.NewTransportError(errors.Errorf("%s: %s", resp.Status, bytes.TrimSpace(reason)), sent.Load())
}

func (c *Channel) authenticate(req *http.Request) error {
	if c.config.User == "" {
		return nil
	}
	nonce, challenge, err := auth.NewChallenge(c.config.Key)
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set(HeaderUser, c.config.User)
	req.Header.Set(HeaderNonce, base64.StdEncoding.EncodeToString(nonce))
	req.Header.Set(HeaderChallenge, base64.StdEncoding.EncodeToString(challenge))
	return nil
}
