// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package server executes requests at most once per request identity and
// replays cached outcomes to every later attempt. It is independent of
// the transport that delivers the bytes.
package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/rs/xid"

	coreerrors "github.com/juju/replayrpc/core/errors"
	"github.com/juju/replayrpc/core/requestid"
	"github.com/juju/replayrpc/rpc/event"
	"github.com/juju/replayrpc/rpc/execution"
	"github.com/juju/replayrpc/rpc/service"
	"github.com/juju/replayrpc/rpc/wire"
)

var logger = loggo.GetLogger("replayrpc.rpc.server")

const (
	// DefaultMaxWait bounds how long a duplicate arrival waits for the
	// original attempt when the client states no budget.
	DefaultMaxWait = 30 * time.Second

	// Fault codes raised by the server itself.
	CodeNotFound      = "not-found"
	CodePanic         = "panic"
	CodeSerialization = "serialization-failed"
	CodeError         = "error"
)

// NewInstanceID returns a fresh server instance id. Each server process
// should use one for its whole lifetime.
func NewInstanceID() string {
	return xid.New().String()
}

// Config holds the collaborators of a Server.
type Config struct {
	// InstanceID identifies this server process.
	InstanceID string

	// Registry resolves invocation targets.
	Registry *service.Registry

	// Store holds the execution contexts.
	Store *execution.Store

	// Clock is used for timestamps and bounded waits.
	Clock clock.Clock

	// Listener, if set, is told about every method execution.
	Listener event.Listener

	// Metrics, if set, records server activity.
	Metrics *Collector

	// IdleTimeout is the idle hint handed to clients in Init.
	IdleTimeout time.Duration

	// Chunked reports whether the transport accepts streamed bodies.
	Chunked bool

	// MaxWait caps how long a duplicate arrival waits.
	MaxWait time.Duration
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.InstanceID == "" {
		return errors.NotValidf("empty InstanceID")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.MaxWait < 0 {
		return errors.NotValidf("negative MaxWait")
	}
	return nil
}

// Server dispatches decoded requests against the execution store.
type Server struct {
	cfg Config
}

// New returns a Server for the given configuration.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &Server{cfg: cfg}, nil
}

// InstanceID returns the id of this server instance.
func (s *Server) InstanceID() string {
	return s.cfg.InstanceID
}

// Handle serves a request whose header has been read, reading the payload
// from body. Ping and CreateSession belong to the transport and are
// rejected here. An error means the request could not be decoded and the
// connection should be dropped.
func (s *Server) Handle(ctx context.Context, hdr wire.Header, body io.Reader) (wire.Response, error) {
	s.cfg.Metrics.request(hdr.Type)
	switch hdr.Type {
	case wire.Init:
		return s.Init(), nil
	case wire.Invoke:
		return s.Invoke(ctx, body)
	case wire.Resend:
		return s.Resend(ctx, body)
	case wire.Acknowledge:
		return s.Acknowledge(body)
	}
	return wire.Response{}, errors.NotSupportedf("request %v", hdr.Type)
}

// Init hands out a fresh origin bound to this instance.
func (s *Server) Init() wire.Response {
	return wire.Response{
		Status: wire.StatusOK,
		Payload: wire.EncodeInit(wire.InitResponse{
			InstanceID:  s.cfg.InstanceID,
			Origin:      requestid.NewOrigin(s.cfg.InstanceID),
			IdleTimeout: s.cfg.IdleTimeout,
			Chunked:     s.cfg.Chunked,
		}),
	}
}

// Invoke serves an original send. The identity is decoded first; only the
// attempt that claims the context decodes the rest of the body and runs
// the method. Every other attempt waits for that one and replies with its
// outcome.
func (s *Server) Invoke(ctx context.Context, body io.Reader) (wire.Response, error) {
	d := wire.NewDecoder(body)
	id, wait, err := wire.ReadInvokePrologue(d)
	if err != nil {
		return wire.Response{}, errors.Annotate(err, "reading invoke")
	}
	if resp, ok := s.checkInstance(id); !ok {
		return resp, nil
	}
	deadline := s.cfg.Clock.Now().Add(s.boundWait(wait))

	ectx, created := s.cfg.Store.GetOrCreate(id)
	if !created {
		s.cfg.Metrics.duplicate()
		logger.Debugf("duplicate arrival of %v in state %v", id, ectx.State())
	}
	for {
		if ectx.Claim() {
			return s.execute(ctx, ectx, d)
		}
		if ectx.Retired() && ectx.State() == execution.Created {
			// Swept after a release; start over with a fresh context.
			ectx, _ = s.cfg.Store.GetOrCreate(id)
			continue
		}
		if ectx.State() == execution.ReadingParameters {
			state := ectx.WaitChange(ctx, s.cfg.Clock, execution.ReadingParameters, s.remaining(deadline))
			if state == execution.Created {
				// The owner failed to read its parameters; ours are
				// still on the wire, so this attempt becomes the original.
				continue
			}
			if state == execution.ReadingParameters {
				return inProgress(id), nil
			}
		}
		return s.awaitOutcome(ctx, ectx, deadline), nil
	}
}

// Resend replies with the cached outcome of a known identity. It never
// claims a context: if the parameters have not been fully read the client
// is told they never arrived.
func (s *Server) Resend(ctx context.Context, body io.Reader) (wire.Response, error) {
	req, err := wire.DecodeResend(body)
	if err != nil {
		return wire.Response{}, errors.Annotate(err, "reading resend")
	}
	if resp, ok := s.checkInstance(req.ID); !ok {
		return resp, nil
	}
	ectx, ok := s.cfg.Store.Get(req.ID)
	if !ok {
		return wire.Response{Status: wire.StatusNeverArrived}, nil
	}
	switch ectx.State() {
	case execution.Created, execution.ReadingParameters:
		return wire.Response{Status: wire.StatusNeverArrived}, nil
	}
	deadline := s.cfg.Clock.Now().Add(s.boundWait(req.Wait))
	return s.awaitOutcome(ctx, ectx, deadline), nil
}

// Acknowledge forgets the listed identities. Unknown identities are
// ignored, so acknowledgments may be repeated.
func (s *Server) Acknowledge(body io.Reader) (wire.Response, error) {
	ids, err := wire.DecodeAcknowledge(body)
	if err != nil {
		return wire.Response{}, errors.Annotate(err, "reading acknowledgment")
	}
	var removed int
	for _, id := range ids {
		if s.cfg.Store.Remove(id) {
			removed++
		}
	}
	s.cfg.Metrics.acknowledged(removed)
	logger.Tracef("acknowledged %d of %d requests", removed, len(ids))
	return wire.Response{Status: wire.StatusOK}, nil
}

func (s *Server) execute(ctx context.Context, ectx *execution.Context, d *wire.Decoder) (wire.Response, error) {
	target, args, err := wire.ReadInvokeBody(d)
	if err != nil {
		ectx.Release(s.cfg.Clock.Now())
		return wire.Response{}, errors.Annotatef(err, "reading parameters of %v", ectx.ID())
	}
	ectx.BeginInvoking(target)

	started := s.cfg.Clock.Now()
	// A client that goes away must not cancel a method already running.
	outcome := s.run(context.WithoutCancel(ctx), target, args)
	finished := s.cfg.Clock.Now()
	ectx.Finish(outcome, finished)
	s.cfg.Metrics.executed(outcome.Status)

	event.Notify(s.cfg.Listener, event.MethodInvoked{
		ID:       ectx.ID(),
		Target:   target,
		Args:     args,
		Status:   outcome.Status,
		Result:   outcome.Payload,
		Started:  started,
		Duration: finished.Sub(started),
	})
	return wire.Response{Status: outcome.Status, Payload: outcome.Payload}, nil
}

func (s *Server) run(ctx context.Context, target wire.Target, args []byte) (outcome execution.Outcome) {
	method, err := s.cfg.Registry.Lookup(target)
	if err != nil {
		return faultOutcome(&wire.Fault{Kind: wire.FaultUndeclared, Code: CodeNotFound, Message: err.Error()})
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("method %v panicked: %v", target, r)
			outcome = faultOutcome(&wire.Fault{Kind: wire.FaultRuntime, Code: CodePanic, Message: fmt.Sprint(r)})
		}
	}()
	result, err := method.Func(ctx, args)
	if err != nil {
		return faultOutcome(classify(method, err))
	}
	return execution.Outcome{Status: wire.StatusOK, Payload: result}
}

// classify turns a method error into a fault. Faults carrying a code the
// method declares keep it; anything else is undeclared.
func classify(method service.Method, err error) *wire.Fault {
	var fault *wire.Fault
	if errors.As(err, &fault) {
		kind := wire.FaultUndeclared
		if method.Declares(fault.Code) {
			kind = wire.FaultDeclared
		}
		return &wire.Fault{Kind: kind, Code: fault.Code, Message: fault.Message}
	}
	code := CodeError
	if errors.Is(err, coreerrors.SerializationFailed) {
		code = CodeSerialization
	}
	return &wire.Fault{Kind: wire.FaultUndeclared, Code: code, Message: err.Error()}
}

func faultOutcome(f *wire.Fault) execution.Outcome {
	return execution.Outcome{Status: wire.StatusFault, Payload: wire.EncodeFault(f)}
}

func (s *Server) awaitOutcome(ctx context.Context, ectx *execution.Context, deadline time.Time) wire.Response {
	outcome, ok := ectx.WaitFinished(ctx, s.cfg.Clock, s.remaining(deadline))
	if !ok {
		return inProgress(ectx.ID())
	}
	s.cfg.Metrics.replayed(outcome.Status)
	return wire.Response{Status: outcome.Status, Payload: outcome.Payload}
}

func inProgress(id requestid.ID) wire.Response {
	logger.Debugf("gave up waiting for %v", id)
	return wire.Response{Status: wire.StatusInProgress}
}

func (s *Server) checkInstance(id requestid.ID) (wire.Response, bool) {
	if instance := id.Origin.Instance(); instance != s.cfg.InstanceID {
		logger.Debugf("request %v issued by instance %q, this is %q", id, instance, s.cfg.InstanceID)
		return wire.Response{
			Status:  wire.StatusStaleInstance,
			Payload: []byte(fmt.Sprintf("request issued by server instance %q", instance)),
		}, false
	}
	return wire.Response{}, true
}

func (s *Server) boundWait(wait time.Duration) time.Duration {
	if wait <= 0 || wait > s.cfg.MaxWait {
		return s.cfg.MaxWait
	}
	return wait
}

func (s *Server) remaining(deadline time.Time) time.Duration {
	if d := deadline.Sub(s.cfg.Clock.Now()); d > 0 {
		return d
	}
	return 0
}
