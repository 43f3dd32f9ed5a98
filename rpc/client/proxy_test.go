// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package client_test

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coreerrors "github.com/juju/replayrpc/core/errors"
	"github.com/juju/replayrpc/rpc/client"
	"github.com/juju/replayrpc/rpc/execution"
	"github.com/juju/replayrpc/rpc/rpctest"
	"github.com/juju/replayrpc/rpc/server"
	"github.com/juju/replayrpc/rpc/service"
	"github.com/juju/replayrpc/rpc/wire"
)

var (
	incrMethod  = client.Method{Service: "Counter", Name: "Incr"}
	sleepMethod = client.Method{Service: "Counter", Name: "Sleep"}
	failMethod  = client.Method{Service: "Counter", Name: "Fail", Faults: []string{"declared"}}
)

type proxySuite struct {
	testing.IsolationSuite

	calls    atomic.Int64
	sleeping chan struct{}
	registry *service.Registry
	store    *execution.Store
	channel  *rpctest.Channel
	acks     *recordingAcknowledger
}

var _ = gc.Suite(&proxySuite{})

func (s *proxySuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.calls.Store(0)
	s.sleeping = make(chan struct{}, 10)
	s.registry = service.NewRegistry()
	err := s.registry.Register(
		service.Method{Service: "Counter", Name: "Incr", Func: func(context.Context, []byte) ([]byte, error) {
			return []byte(strconv.FormatInt(s.calls.Add(1), 10)), nil
		}},
		service.Method{Service: "Counter", Name: "Sleep", Func: func(_ context.Context, args []byte) ([]byte, error) {
			d, err := time.ParseDuration(string(args))
			if err != nil {
				return nil, err
			}
			time.Sleep(d)
			s.calls.Add(1)
			s.sleeping <- struct{}{}
			return []byte("awake"), nil
		}},
		service.Method{Service: "Counter", Name: "Fail", Faults: []string{"declared", "secret"}, Func: func(_ context.Context, args []byte) ([]byte, error) {
			switch string(args) {
			case "declared":
				return nil, wire.NewFault("declared", "expected")
			case "secret":
				return nil, wire.NewFault("secret", "declared by the server only")
			}
			panic("boom")
		}},
	)
	c.Assert(err, jc.ErrorIsNil)
	s.store = execution.NewStore()
	s.channel = rpctest.NewChannel("loopback", s.newServer(c, "instance-a"))
	s.acks = &recordingAcknowledger{}
}

func (s *proxySuite) newServer(c *gc.C, instanceID string) *server.Server {
	srv, err := server.New(server.Config{
		InstanceID: instanceID,
		Registry:   s.registry,
		Store:      s.store,
		Clock:      clock.WallClock,
	})
	c.Assert(err, jc.ErrorIsNil)
	return srv
}

func (s *proxySuite) newProxy(c *gc.C, modify ...func(*client.Config)) *client.Proxy {
	cfg := client.Config{
		Channel:               s.channel,
		Acknowledger:          s.acks,
		Clock:                 clock.WallClock,
		Timeout:               5 * time.Second,
		Retries:               3,
		ProbeInterval:         5 * time.Millisecond,
		ProbeTimeout:          time.Second,
		UncertainProbeTimeout: time.Second,
	}
	for _, f := range modify {
		f(&cfg)
	}
	p, err := client.NewProxy(cfg)
	c.Assert(err, jc.ErrorIsNil)
	return p
}

func (s *proxySuite) TestConfigValidate(c *gc.C) {
	_, err := client.NewProxy(client.Config{})
	c.Check(err, gc.ErrorMatches, "nil Channel not valid")
	_, err = client.NewProxy(client.Config{
		Channel:        s.channel,
		Clock:          clock.WallClock,
		MethodTimeouts: map[string]time.Duration{"Counter.Incr()": 0},
	})
	c.Check(err, gc.ErrorMatches, `timeout 0s for "Counter.Incr\(\)" not valid`)
}

func (s *proxySuite) TestInvoke(c *gc.C) {
	p := s.newProxy(c)
	result, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(result), gc.Equals, "1")
	c.Check(s.channel.Requests(), jc.DeepEquals, []wire.RequestType{wire.Init, wire.Invoke})

	ids := s.acks.IDs()
	c.Assert(ids, gc.HasLen, 1)
	c.Check(ids[0].Finished(), jc.IsTrue)
	c.Check(ids[0].Origin.Instance(), gc.Equals, "instance-a")
}

func (s *proxySuite) TestSequenceAdvances(c *gc.C) {
	p := s.newProxy(c)
	for i := 0; i < 3; i++ {
		_, err := p.Invoke(context.Background(), incrMethod, nil)
		c.Assert(err, jc.ErrorIsNil)
	}
	ids := s.acks.IDs()
	c.Assert(ids, gc.HasLen, 3)
	for i, id := range ids {
		c.Check(id.Sequence, gc.Equals, uint64(i+1))
	}
	c.Check(s.store.Len(), gc.Equals, 3)
}

func (s *proxySuite) TestLostResponseIsResent(c *gc.C) {
	s.channel.Fail(rpctest.DropResponse)
	p := s.newProxy(c)

	result, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(result), gc.Equals, "1")
	c.Check(s.calls.Load(), gc.Equals, int64(1))
	c.Check(s.channel.Requests(), jc.DeepEquals, []wire.RequestType{
		wire.Init, wire.Invoke, wire.Ping, wire.Resend,
	})
}

func (s *proxySuite) TestLostRequestIsSentAgain(c *gc.C) {
	s.channel.Fail(rpctest.DropRequest)
	p := s.newProxy(c)

	result, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(result), gc.Equals, "1")
	c.Check(s.channel.Requests(), jc.DeepEquals, []wire.RequestType{
		wire.Init, wire.Invoke, wire.Ping, wire.Invoke,
	})
}

func (s *proxySuite) TestRetriesExhausted(c *gc.C) {
	s.channel.Fail(rpctest.DropRequest, rpctest.DropRequest, rpctest.DropRequest)
	p := s.newProxy(c, func(cfg *client.Config) { cfg.Retries = 2 })

	_, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIs, coreerrors.RetriesExhausted)
	c.Check(err, jc.ErrorIs, coreerrors.TransportFailed)
	c.Check(s.acks.IDs(), gc.HasLen, 0)
}

func (s *proxySuite) TestAuthFailureIsFatal(c *gc.C) {
	s.channel.Fail(rpctest.RejectAuth)
	p := s.newProxy(c)

	_, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIs, coreerrors.AuthFailed)
	c.Check(s.channel.Requests(), jc.DeepEquals, []wire.RequestType{wire.Init, wire.Invoke})
}

func (s *proxySuite) TestServerUnreachable(c *gc.C) {
	s.channel.Fail(rpctest.DropRequest)
	s.channel.SetDown(1000)
	p := s.newProxy(c, func(cfg *client.Config) {
		cfg.ProbeTimeout = 20 * time.Millisecond
		cfg.UncertainProbeTimeout = 50 * time.Millisecond
	})

	_, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIs, coreerrors.ServerUnreachable)
	c.Check(s.calls.Load(), gc.Equals, int64(0))
}

func (s *proxySuite) TestProbeWaitsForServer(c *gc.C) {
	s.channel.Fail(rpctest.DropResponse)
	s.channel.SetDown(3)
	p := s.newProxy(c)

	result, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(result), gc.Equals, "1")
	c.Check(s.channel.Requests(), jc.DeepEquals, []wire.RequestType{
		wire.Init, wire.Invoke, wire.Ping, wire.Ping, wire.Ping, wire.Ping, wire.Resend,
	})
}

func (s *proxySuite) TestMethodTimeout(c *gc.C) {
	const timeout = 200 * time.Millisecond
	p := s.newProxy(c, func(cfg *client.Config) {
		cfg.MethodTimeouts = map[string]time.Duration{sleepMethod.Key(): timeout}
	})

	result, err := p.Invoke(context.Background(), sleepMethod, []byte((timeout / 2).String()))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(result), gc.Equals, "awake")
	<-s.sleeping

	_, err = p.Invoke(context.Background(), sleepMethod, []byte((2 * timeout).String()))
	c.Assert(err, jc.Satisfies, errors.IsTimeout)
	// The method still runs to completion on the server.
	<-s.sleeping
	c.Check(s.calls.Load(), gc.Equals, int64(2))
}

func (s *proxySuite) TestMethodTimeoutOverridesDefault(c *gc.C) {
	p := s.newProxy(c, func(cfg *client.Config) {
		cfg.Timeout = 50 * time.Millisecond
		cfg.MethodTimeouts = map[string]time.Duration{sleepMethod.Key(): time.Second}
	})
	_, err := p.Invoke(context.Background(), sleepMethod, []byte("100ms"))
	c.Assert(err, jc.ErrorIsNil)
	<-s.sleeping
}

func (s *proxySuite) TestFaults(c *gc.C) {
	p := s.newProxy(c)

	_, err := p.Invoke(context.Background(), failMethod, []byte("declared"))
	fault, ok := errors.Cause(err).(*wire.Fault)
	c.Assert(ok, jc.IsTrue, gc.Commentf("%T", err))
	c.Check(fault.Code, gc.Equals, "declared")

	// The client does not know "secret", so it is wrapped.
	_, err = p.Invoke(context.Background(), failMethod, []byte("secret"))
	var undeclared *client.UndeclaredError
	c.Assert(errors.As(err, &undeclared), jc.IsTrue)
	c.Check(undeclared.Fault.Code, gc.Equals, "secret")

	_, err = p.Invoke(context.Background(), failMethod, []byte("panic"))
	var runtime *client.RuntimeError
	c.Assert(errors.As(err, &runtime), jc.IsTrue)
	c.Check(runtime.Fault.Message, gc.Equals, "boom")
	c.Check(client.IsRemote(err), jc.IsTrue)

	// Faults are outcomes too, and are acknowledged.
	c.Check(s.acks.IDs(), gc.HasLen, 3)
}

func (s *proxySuite) TestServerRestart(c *gc.C) {
	p := s.newProxy(c)
	_, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIsNil)

	s.channel.SetServer(s.newServer(c, "instance-b"))
	_, err = p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIs, coreerrors.InstanceMismatch)

	// A new session is bound on the next call.
	result, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(result), gc.Equals, "2")
	ids := s.acks.IDs()
	c.Assert(ids, gc.HasLen, 2)
	c.Check(ids[1].Origin.Instance(), gc.Equals, "instance-b")
	c.Check(ids[1].Sequence, gc.Equals, uint64(1))
}

func (s *proxySuite) TestCallTyped(c *gc.C) {
	err := s.registry.Register(service.TypedMethod("Math", "Double", func(_ context.Context, n int) (int, error) {
		return 2 * n, nil
	}))
	c.Assert(err, jc.ErrorIsNil)
	p := s.newProxy(c)

	double := client.Method{Service: "Math", Name: "Double", ParamTypes: []string{"int"}}
	result, err := client.Call[int, int](context.Background(), p, double, 21)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result, gc.Equals, 42)
}

func (s *proxySuite) TestSerializationFailureIsFatal(c *gc.C) {
	p := s.newProxy(c)
	_, err := client.Call[func(), int](context.Background(), p, incrMethod, func() {})
	c.Assert(err, jc.ErrorIs, coreerrors.SerializationFailed)
	c.Check(s.channel.Requests(), gc.HasLen, 0)
}

type stubSuite struct {
	testing.IsolationSuite

	channel *stubChannel
	acks    *recordingAcknowledger
}

var _ = gc.Suite(&stubSuite{})

func (s *stubSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.channel = &stubChannel{}
	s.acks = &recordingAcknowledger{}
}

func (s *stubSuite) newProxy(c *gc.C) *client.Proxy {
	p, err := client.NewProxy(client.Config{
		Channel:       s.channel,
		Acknowledger:  s.acks,
		Clock:         clock.WallClock,
		Retries:       3,
		ProbeInterval: time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	return p
}

func (s *stubSuite) TestNeverArrivedSendsParametersAgain(c *gc.C) {
	s.channel.SetErrors(
		nil, // Session
		coreerrors.NewTransportError(errors.New("reset"), true),
	)
	s.channel.outcomes = []client.Outcome{
		{Status: wire.StatusNeverArrived},
		{Status: wire.StatusOK, Payload: []byte("done")},
	}
	p := s.newProxy(c)

	result, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(result), gc.Equals, "done")
	s.channel.CheckCallNames(c, "Session", "SendParameters", "Ping", "RequestResend", "SendParameters")
	// Every attempt carries the same identity.
	for _, call := range s.channel.Calls()[1:] {
		if len(call.Args) > 0 {
			c.Check(call.Args[0], gc.Equals, uint64(1))
		}
	}
}

func (s *stubSuite) TestInProgressAsksAgain(c *gc.C) {
	s.channel.outcomes = []client.Outcome{
		{Status: wire.StatusInProgress},
		{Status: wire.StatusInProgress},
		{Status: wire.StatusOK},
	}
	p := s.newProxy(c)

	_, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIsNil)
	s.channel.CheckCallNames(c, "Session", "SendParameters", "RequestResend", "RequestResend")
}

func (s *stubSuite) TestStaleInstanceResetsSession(c *gc.C) {
	s.channel.outcomes = []client.Outcome{{Status: wire.StatusStaleInstance, Payload: []byte("gone")}}
	p := s.newProxy(c)

	_, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIs, coreerrors.InstanceMismatch)
	s.channel.CheckCallNames(c, "Session", "SendParameters", "ResetSession")
	c.Check(s.acks.IDs(), gc.HasLen, 0)
}

func (s *stubSuite) TestAuthFailedStatus(c *gc.C) {
	s.channel.outcomes = []client.Outcome{{Status: wire.StatusAuthFailed}}
	p := s.newProxy(c)

	_, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIs, coreerrors.AuthFailed)
	s.channel.CheckCallNames(c, "Session", "SendParameters")
}

func (s *stubSuite) TestFatalPingStopsProbe(c *gc.C) {
	s.channel.SetErrors(
		nil, // Session
		coreerrors.NewTransportError(errors.New("reset"), false),
		errors.Annotate(coreerrors.AuthFailed, "ping"),
	)
	p := s.newProxy(c)

	_, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIs, coreerrors.AuthFailed)
	s.channel.CheckCallNames(c, "Session", "SendParameters", "Ping")
}

func (s *stubSuite) TestSessionFailure(c *gc.C) {
	s.channel.SetErrors(errors.Annotate(coreerrors.MalformedEndpoint, "bad"))
	p := s.newProxy(c)

	_, err := p.Invoke(context.Background(), incrMethod, nil)
	c.Assert(err, jc.ErrorIs, coreerrors.MalformedEndpoint)
	s.channel.CheckCallNames(c, "Session")
}
