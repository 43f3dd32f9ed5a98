// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package client invokes remote methods so that every call is observed
// exactly once, however many attempts the network forces.
package client

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"

	coreerrors "github.com/juju/replayrpc/core/errors"
	"github.com/juju/replayrpc/core/requestid"
	"github.com/juju/replayrpc/rpc/service"
	"github.com/juju/replayrpc/rpc/wire"
)

var logger = loggo.GetLogger("replayrpc.rpc.client")

// phase is the per-call state of the coordinator.
type phase int

const (
	// sendParameters sends the whole invocation.
	sendParameters phase = iota
	// awaitResult only asks for the outcome, because the server may
	// already have the parameters.
	awaitResult
)

func (p phase) String() string {
	if p == awaitResult {
		return "await-result"
	}
	return "send-parameters"
}

// Proxy invokes methods on the server behind one Channel.
type Proxy struct {
	cfg Config
}

// NewProxy returns a Proxy for the given configuration.
func NewProxy(cfg Config) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Proxy{cfg: cfg.withDefaults()}, nil
}

// Invoke calls m with the encoded args and returns the encoded result.
//
// Transport failures are retried up to the configured bound, probing the
// server between attempts. Once the parameters may have reached the
// server, later attempts only ask for the outcome so the method is never
// run twice. The configured timeout covers the whole call.
func (p *Proxy) Invoke(ctx context.Context, m Method, args []byte) ([]byte, error) {
	key := m.Key()
	timeout := p.cfg.timeoutFor(key)
	deadline := p.cfg.Clock.Now().Add(timeout)

	id, err := p.nextID(ctx)
	if err != nil {
		p.cfg.Metrics.called(err)
		return nil, errors.Annotatef(err, "calling %s", key)
	}
	result, err := p.invoke(ctx, m, id, args, deadline)
	p.cfg.Metrics.called(err)
	if err != nil {
		if IsRemote(err) {
			return nil, err
		}
		return nil, errors.Annotatef(err, "calling %s as %v", key, id)
	}
	return result, nil
}

func (p *Proxy) invoke(ctx context.Context, m Method, id requestid.ID, args []byte, deadline time.Time) ([]byte, error) {
	var (
		state   = sendParameters
		retries = p.cfg.Retries
		ch      = p.cfg.Channel
	)
	for {
		remaining := deadline.Sub(p.cfg.Clock.Now())
		if remaining <= 0 {
			return nil, errors.Timeoutf("request %v", id)
		}
		outcome, err := p.attempt(ctx, state, id, m, args, remaining)
		if err != nil {
			if coreerrors.IsFatal(err) {
				return nil, errors.Trace(err)
			}
			if ctx.Err() != nil {
				return nil, errors.Trace(ctx.Err())
			}
			// Once the server may have read the parameters, they must
			// never be sent again.
			if coreerrors.RequestSent(err) {
				state = awaitResult
			}
			if !p.cfg.Clock.Now().Before(deadline) {
				return nil, errors.Timeoutf("request %v", id)
			}
			if retries == 0 {
				return nil, errors.Annotatef(coreerrors.WithKind(err, coreerrors.RetriesExhausted), "after %d retries", p.cfg.Retries)
			}
			retries--
			logger.Debugf("attempt to %v %v failed (%d retries left): %v", state, id, retries, err)
			if err := p.probe(ctx, state == sendParameters, deadline); err != nil {
				return nil, errors.Trace(err)
			}
			continue
		}

		switch outcome.Status {
		case wire.StatusOK:
			p.finished(id)
			return outcome.Payload, nil
		case wire.StatusFault:
			p.finished(id)
			return nil, classifyFault(m, outcome.Payload)
		case wire.StatusNeverArrived:
			logger.Debugf("server has no parameters for %v, sending them again", id)
			state = sendParameters
		case wire.StatusInProgress:
			state = awaitResult
		case wire.StatusStaleInstance:
			ch.ResetSession()
			return nil, errors.Annotate(coreerrors.InstanceMismatch, string(outcome.Payload))
		case wire.StatusAuthFailed:
			return nil, errors.Annotate(coreerrors.AuthFailed, string(outcome.Payload))
		default:
			return nil, errors.NotValidf("reply status %v", outcome.Status)
		}
	}
}

func (p *Proxy) attempt(ctx context.Context, state phase, id requestid.ID, m Method, args []byte, remaining time.Duration) (Outcome, error) {
	p.cfg.Metrics.attempt(state)
	ctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	if state == awaitResult {
		return p.cfg.Channel.RequestResend(ctx, wire.ResendRequest{ID: id, Wait: remaining})
	}
	return p.cfg.Channel.SendParameters(ctx, wire.InvokeRequest{
		ID:     id,
		Wait:   remaining,
		Target: m.Target(),
		Args:   args,
	})
}

// probe pings the server at a fixed interval until it answers. The wait is
// longer when it is not known whether the parameters were sent.
func (p *Proxy) probe(ctx context.Context, uncertain bool, deadline time.Time) error {
	maxDuration := p.cfg.ProbeTimeout
	if uncertain {
		maxDuration = p.cfg.UncertainProbeTimeout
	}
	if remaining := deadline.Sub(p.cfg.Clock.Now()); remaining < maxDuration {
		maxDuration = remaining
	}
	if maxDuration <= 0 {
		return errors.Timeoutf("probing server")
	}
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeInterval)
			defer cancel()
			return p.cfg.Channel.Ping(pctx)
		},
		IsFatalError: coreerrors.IsFatal,
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("ping %d failed: %v", attempt, err)
		},
		Delay:       p.cfg.ProbeInterval,
		MaxDuration: maxDuration,
		Clock:       p.cfg.Clock,
		Stop:        ctx.Done(),
	})
	p.cfg.Metrics.probed(err)
	switch {
	case err == nil:
		return nil
	case retry.IsDurationExceeded(err), retry.IsAttemptsExceeded(err):
		return coreerrors.WithKind(errors.Annotatef(retry.LastError(err), "no answer within %v", maxDuration), coreerrors.ServerUnreachable)
	case retry.IsRetryStopped(err):
		return errors.Trace(ctx.Err())
	}
	return errors.Trace(err)
}

func (p *Proxy) finished(id requestid.ID) {
	if p.cfg.Acknowledger == nil {
		return
	}
	id.MarkFinished(p.cfg.Clock.Now())
	p.cfg.Acknowledger.Enqueue(p.cfg.Channel.BatchKey(), p.cfg.Channel, id)
}

// nextID returns a fresh identity drawn from the current session.
func (p *Proxy) nextID(ctx context.Context) (requestid.ID, error) {
	session, err := p.cfg.Channel.Session(ctx)
	if err != nil {
		return requestid.ID{}, errors.Trace(err)
	}
	if session.IDs == nil {
		return requestid.ID{}, errors.NotValidf("session without identity generator")
	}
	return session.IDs.Next(), nil
}

// Call invokes m on p, encoding args and decoding the result with JSON.
func Call[A, R any](ctx context.Context, p *Proxy, m Method, args A) (R, error) {
	var (
		codec  service.JSONCodec
		result R
	)
	data, err := codec.Marshal(args)
	if err != nil {
		return result, errors.Annotatef(err, "encoding arguments of %s", m.Key())
	}
	reply, err := p.Invoke(ctx, m, data)
	if err != nil {
		return result, err
	}
	if err := codec.Unmarshal(reply, &result); err != nil {
		return result, errors.Annotatef(err, "decoding result of %s", m.Key())
	}
	return result, nil
}
