// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httptransport_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
	gc "gopkg.in/check.v1"

	coreerrors "github.com/juju/replayrpc/core/errors"
	"github.com/juju/replayrpc/core/requestid"
	"github.com/juju/replayrpc/internal/auth"
	"github.com/juju/replayrpc/rpc/client"
	"github.com/juju/replayrpc/rpc/execution"
	"github.com/juju/replayrpc/rpc/server"
	"github.com/juju/replayrpc/rpc/service"
	"github.com/juju/replayrpc/rpc/wire"
	"github.com/juju/replayrpc/transport/httptransport"
)

var echoMethod = client.Method{Service: "Echo", Name: "Echo"}

type transportSuite struct {
	testing.IsolationSuite

	store   *execution.Store
	server  *server.Server
	calls   atomic.Int64
	manager *httptransport.ConnectionManager
	httpSrv *httptest.Server
	inits   atomic.Int64
}

var _ = gc.Suite(&transportSuite{})

func (s *transportSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.calls.Store(0)
	s.inits.Store(0)

	registry := service.NewRegistry()
	err := registry.Register(service.Method{Service: "Echo", Name: "Echo", Func: func(_ context.Context, args []byte) ([]byte, error) {
		s.calls.Add(1)
		return args, nil
	}})
	c.Assert(err, jc.ErrorIsNil)
	s.store = execution.NewStore()
	s.server, err = server.New(server.Config{
		InstanceID:  "instance-a",
		Registry:    registry,
		Store:       s.store,
		Clock:       clock.WallClock,
		IdleTimeout: time.Minute,
		Chunked:     true,
	})
	c.Assert(err, jc.ErrorIsNil)

	s.manager, err = httptransport.NewConnectionManager(httptransport.ManagerConfig{
		Clock:       clock.WallClock,
		MaxConns:    4,
		IdleTimeout: time.Second,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, s.manager) })
}

func (s *transportSuite) serve(c *gc.C, config httptransport.HandlerConfig) {
	config.Server = s.server
	h, err := httptransport.NewHandler(config)
	c.Assert(err, jc.ErrorIsNil)
	s.httpSrv = httptest.NewServer(http.StripPrefix("/rpc", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			// Peek at the request type without consuming it.
			var lead [1]byte
			if _, err := r.Body.Read(lead[:]); err == nil {
				if lead[0]&0x0f == byte(wire.Init) {
					s.inits.Add(1)
				}
				r.Body = readCloser{bytes.NewReader(lead[:]), r.Body}
			}
		}
		h.ServeHTTP(w, r)
	})))
	s.AddCleanup(func(*gc.C) { s.httpSrv.Close() })
}

type readCloser struct {
	first *bytes.Reader
	rest  interface {
		Read([]byte) (int, error)
		Close() error
	}
}

func (r readCloser) Read(p []byte) (int, error) {
	if r.first.Len() > 0 {
		return r.first.Read(p)
	}
	return r.rest.Read(p)
}

func (r readCloser) Close() error {
	return r.rest.Close()
}

func (s *transportSuite) channel(c *gc.C, modify ...func(*httptransport.ChannelConfig)) *httptransport.Channel {
	config := httptransport.ChannelConfig{
		Manager: s.manager,
		URL:     s.httpSrv.URL + "/rpc",
		Clock:   clock.WallClock,
	}
	for _, f := range modify {
		f(&config)
	}
	ch, err := httptransport.NewChannel(config)
	c.Assert(err, jc.ErrorIsNil)
	return ch
}

func (s *transportSuite) proxy(c *gc.C, ch client.Channel) *client.Proxy {
	p, err := client.NewProxy(client.Config{
		Channel:       ch,
		Clock:         clock.WallClock,
		Timeout:       5 * time.Second,
		Retries:       2,
		ProbeInterval: 10 * time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	return p
}

func (s *transportSuite) TestMalformedEndpoint(c *gc.C) {
	for _, u := range []string{"::", "ftp://host/rpc", "http://"} {
		_, err := httptransport.NewChannel(httptransport.ChannelConfig{
			Manager: s.manager,
			URL:     u,
			Clock:   clock.WallClock,
		})
		c.Check(err, jc.ErrorIs, coreerrors.MalformedEndpoint, gc.Commentf("%q", u))
	}
}

func (s *transportSuite) TestSessionDiscoveredOncePerEndpoint(c *gc.C) {
	s.serve(c, httptransport.HandlerConfig{})
	a, b := s.channel(c), s.channel(c)

	var g errgroup.Group
	sessions := make([]client.Session, 8)
	for i := range sessions {
		ch := a
		if i%2 == 1 {
			ch = b
		}
		g.Go(func() error {
			var err error
			sessions[i], err = ch.Session(context.Background())
			return err
		})
	}
	c.Assert(g.Wait(), jc.ErrorIsNil)
	c.Check(s.inits.Load(), gc.Equals, int64(1))
	for _, session := range sessions {
		c.Check(session.Origin, gc.Equals, sessions[0].Origin)
		c.Check(session.InstanceID, gc.Equals, "instance-a")
		c.Check(session.Chunked, jc.IsTrue)
		c.Check(session.IdleTimeout, gc.Equals, time.Minute)
	}

	a.ResetSession()
	session, err := b.Session(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(session.Origin, gc.Not(gc.Equals), sessions[0].Origin)
	c.Check(s.inits.Load(), gc.Equals, int64(2))
}

func (s *transportSuite) TestInvoke(c *gc.C) {
	s.serve(c, httptransport.HandlerConfig{})
	for i, compress := range []bool{false, true} {
		c.Logf("test %d: compress %v", i, compress)
		ch := s.channel(c, func(config *httptransport.ChannelConfig) { config.Compress = compress })
		result, err := s.proxy(c, ch).Invoke(context.Background(), echoMethod, []byte("hello"))
		c.Assert(err, jc.ErrorIsNil)
		c.Check(string(result), gc.Equals, "hello")
	}
	c.Check(s.calls.Load(), gc.Equals, int64(2))
}

func (s *transportSuite) TestResendAndAcknowledge(c *gc.C) {
	s.serve(c, httptransport.HandlerConfig{})
	ch := s.channel(c)
	session, err := ch.Session(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	id := session.IDs.Next()
	outcome, err := ch.SendParameters(context.Background(), wire.InvokeRequest{
		ID:     id,
		Wait:   time.Second,
		Target: echoMethod.Target(),
		Args:   []byte("once"),
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome, jc.DeepEquals, client.Outcome{Status: wire.StatusOK, Payload: []byte("once")})

	outcome, err = ch.RequestResend(context.Background(), wire.ResendRequest{ID: id, Wait: time.Second})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome, jc.DeepEquals, client.Outcome{Status: wire.StatusOK, Payload: []byte("once")})
	c.Check(s.calls.Load(), gc.Equals, int64(1))

	for i := 0; i < 2; i++ {
		c.Assert(ch.SendAcknowledgment(context.Background(), []requestid.ID{id}), jc.ErrorIsNil)
	}
	c.Check(s.store.Len(), gc.Equals, 0)
	outcome, err = ch.RequestResend(context.Background(), wire.ResendRequest{ID: id, Wait: time.Second})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome.Status, gc.Equals, wire.StatusNeverArrived)
}

func (s *transportSuite) TestPing(c *gc.C) {
	s.serve(c, httptransport.HandlerConfig{})
	c.Assert(s.channel(c).Ping(context.Background()), jc.ErrorIsNil)
}

func (s *transportSuite) TestConnectionRefused(c *gc.C) {
	s.serve(c, httptransport.HandlerConfig{})
	ch := s.channel(c)
	s.httpSrv.Close()

	err := ch.Ping(context.Background())
	c.Assert(err, jc.ErrorIs, coreerrors.TransportFailed)
	c.Check(coreerrors.RequestSent(err), jc.IsFalse)
	c.Check(coreerrors.IsFatal(err), jc.IsFalse)
}

func (s *transportSuite) TestAuthentication(c *gc.C) {
	key, err := auth.DeriveKey("bob", auth.NewPassword("sekrit"))
	c.Assert(err, jc.ErrorIsNil)
	s.serve(c, httptransport.HandlerConfig{
		Verifier: auth.NewVerifier(auth.StaticKeys{"bob": key}, 0),
	})

	// Liveness checks need no credentials.
	anonymous := s.channel(c)
	c.Check(anonymous.Ping(context.Background()), jc.ErrorIsNil)
	_, err = s.proxy(c, anonymous).Invoke(context.Background(), echoMethod, nil)
	c.Check(err, jc.ErrorIs, coreerrors.AuthFailed)
	c.Check(coreerrors.IsFatal(err), jc.IsTrue)

	wrong := s.channel(c, func(config *httptransport.ChannelConfig) {
		config.User, config.Key = "bob", []byte("not the key")
	})
	_, err = s.proxy(c, wrong).Invoke(context.Background(), echoMethod, nil)
	c.Check(err, jc.ErrorIs, coreerrors.AuthFailed)

	good := s.channel(c, func(config *httptransport.ChannelConfig) {
		config.User, config.Key = "bob", key
	})
	result, err := s.proxy(c, good).Invoke(context.Background(), echoMethod, []byte("authenticated"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(result), gc.Equals, "authenticated")
}

func (s *transportSuite) TestCancelledChunkedSendReleasesBody(c *gc.C) {
	s.serve(c, httptransport.HandlerConfig{})
	ch := s.channel(c)
	session, err := ch.Session(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(session.Chunked, jc.IsTrue)
	running := goleak.IgnoreCurrent()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ch.SendParameters(cancelled, wire.InvokeRequest{
		ID:     requestid.ID{Origin: session.Origin, Sequence: 1},
		Target: wire.Target{Service: echoMethod.Service, Method: echoMethod.Name},
		Args:   []byte("never sent"),
	})
	c.Assert(err, gc.NotNil)
	c.Check(s.calls.Load(), gc.Equals, int64(0))
	// The streaming writer must not outlive the failed send.
	goleak.VerifyNone(c, running)
}

func (s *transportSuite) TestAffinityCookieFeedsBatchKey(c *gc.C) {
	s.serve(c, httptransport.HandlerConfig{AffinityCookie: "replay-instance"})
	ch := s.channel(c)
	before := ch.BatchKey()
	c.Check(before.Endpoint(), gc.Equals, s.httpSrv.URL+"/rpc")

	c.Assert(ch.Ping(context.Background()), jc.ErrorIsNil)
	after := ch.BatchKey()
	c.Check(after, gc.Not(gc.Equals), before)
	c.Check(after.String(), gc.Equals, s.httpSrv.URL+"/rpc[replay-instance=instance-a]")
}

func (s *transportSuite) TestConcurrentCallsShareThePool(c *gc.C) {
	s.serve(c, httptransport.HandlerConfig{})
	p := s.proxy(c, s.channel(c))

	var (
		g  errgroup.Group
		mu sync.Mutex
		n  int
	)
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := p.Invoke(context.Background(), echoMethod, []byte("x"))
			if err != nil {
				return errors.Trace(err)
			}
			mu.Lock()
			n++
			mu.Unlock()
			return nil
		})
	}
	c.Assert(g.Wait(), jc.ErrorIsNil)
	c.Check(n, gc.Equals, 20)
	c.Check(s.calls.Load(), gc.Equals, int64(20))
}
