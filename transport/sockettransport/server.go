// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sockettransport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"golang.org/x/net/netutil"
	"gopkg.in/tomb.v2"

	coreerrors "github.com/juju/replayrpc/core/errors"
	"github.com/juju/replayrpc/internal/auth"
	"github.com/juju/replayrpc/rpc/server"
	"github.com/juju/replayrpc/rpc/wire"
)

// ServerConfig holds the parameters of a Server.
type ServerConfig struct {
	// Server executes the decoded requests.
	Server *server.Server

	// Listener accepts the client connections. The Server owns it.
	Listener net.Listener

	// Verifier, if set, requires every connection to create an
	// authenticated session before sending requests.
	Verifier *auth.Verifier

	// MaxConns caps the number of connections served at once. Zero
	// means no limit.
	MaxConns int

	// IdleTimeout closes connections that send nothing for this long.
	// Zero means connections are never closed for idleness.
	IdleTimeout time.Duration
}

// Validate returns an error if config cannot drive a Server.
func (config ServerConfig) Validate() error {
	if config.Server == nil {
		return errors.NotValidf("nil Server")
	}
	if config.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if config.MaxConns < 0 {
		return errors.NotValidf("negative MaxConns")
	}
	if config.IdleTimeout < 0 {
		return errors.NotValidf("negative IdleTimeout")
	}
	return nil
}

// Server accepts socket connections and serves their conversations one at
// a time per connection.
type Server struct {
	tomb     tomb.Tomb
	config   ServerConfig
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer starts serving config.Listener.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	listener := config.Listener
	if config.MaxConns > 0 {
		listener = netutil.LimitListener(listener, config.MaxConns)
	}
	s := &Server{
		config:   config,
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}
	s.tomb.Go(s.loop)
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Kill implements worker.Worker.
func (s *Server) Kill() {
	s.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (s *Server) Wait() error {
	return s.tomb.Wait()
}

func (s *Server) loop() error {
	s.tomb.Go(func() error {
		<-s.tomb.Dying()
		_ = s.listener.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for c := range s.conns {
			_ = c.Close()
		}
		return nil
	})
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			return errors.Annotate(err, "accepting connections")
		}
		if !s.track(raw) {
			_ = raw.Close()
			return tomb.ErrDying
		}
		s.tomb.Go(func() error {
			defer s.untrack(raw)
			s.serveConn(raw)
			return nil
		})
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.tomb.Dying():
		return false
	default:
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

// serveConn runs conversations on raw until the client hangs up, breaks
// the protocol or fails to authenticate.
func (s *Server) serveConn(raw net.Conn) {
	ctx := s.tomb.Context(context.Background())
	c := newConn(raw)
	remote := raw.RemoteAddr()
	authenticated := s.config.Verifier == nil
	for {
		if s.config.IdleTimeout > 0 {
			_ = raw.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		f, err := readRequest(c.r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debugf("dropping connection from %s: %v", remote, err)
			}
			return
		}
		_ = raw.SetReadDeadline(time.Time{})

		switch f.Header.Type {
		case wire.Ping:
			err = writeEcho(c.w, f.Header.Byte())
		case wire.CreateSession:
			authenticated, err = s.createSession(c, f)
			if err == nil && !authenticated {
				return
			}
		default:
			if !authenticated {
				logger.Debugf("rejecting unauthenticated %v from %s", f.Header, remote)
				_ = writeReply(c.w, wire.Response{Status: wire.StatusAuthFailed})
				return
			}
			err = s.serveRequest(ctx, c, f)
		}
		if err != nil {
			logger.Debugf("dropping connection from %s: %v", remote, err)
			return
		}
	}
}

func (s *Server) serveRequest(ctx context.Context, c *conn, f wire.Frame) error {
	body, done := payloadReader(f)
	resp, err := s.config.Server.Handle(ctx, f.Header, body)
	done()
	if err != nil {
		return errors.Annotatef(err, "bad %v", f.Header)
	}
	return errors.Trace(writeReply(c.w, resp))
}

// createSession verifies a session request and replies to it. It reports
// whether the connection is now authenticated.
func (s *Server) createSession(c *conn, f wire.Frame) (bool, error) {
	req, err := wire.DecodeSession(f.Payload)
	if err != nil {
		return false, errors.Trace(err)
	}
	key, err := s.verify(req, f.Header)
	if err != nil {
		logger.Debugf("session for %q from %s refused: %v", req.User, c.RemoteAddr(), err)
		return false, errors.Trace(writeReply(c.w, wire.Response{Status: wire.StatusAuthFailed}))
	}
	if err := writeReply(c.w, wire.Response{Status: wire.StatusOK}); err != nil {
		return false, errors.Trace(err)
	}
	if f.Header.Flags.Has(wire.RequiresEncryption) {
		c2s, s2c, err := auth.SessionCiphers(key, req.Challenge)
		if err != nil {
			return false, errors.Trace(err)
		}
		c.wrap(auth.NewEncryptedConn(c.Conn, c2s, s2c))
	}
	return true, nil
}

func (s *Server) verify(req wire.SessionRequest, hdr wire.Header) ([]byte, error) {
	if s.config.Verifier == nil {
		if hdr.Flags.Has(wire.RequiresEncryption) {
			return nil, coreerrors.WithKind(errors.NotSupportedf("encryption without credentials"), coreerrors.AuthFailed)
		}
		return nil, nil
	}
	key, err := s.config.Verifier.Verify(req.User, req.Nonce, req.Challenge)
	return key, errors.Trace(err)
}
