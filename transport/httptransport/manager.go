// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package httptransport carries requests over pooled HTTP connections.
package httptransport

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4/catacomb"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/juju/replayrpc/rpc/client"
)

var logger = loggo.GetLogger("replayrpc.transport.http")

const (
	// DefaultMaxConnsPerHost caps the connections to one server.
	DefaultMaxConnsPerHost = 16

	// DefaultMaxConns caps the requests in flight across all servers.
	DefaultMaxConns = 64

	// DefaultIdleTimeout is how long an unused pool keeps its
	// connections.
	DefaultIdleTimeout = 90 * time.Second
)

// ManagerConfig holds the parameters of a ConnectionManager.
type ManagerConfig struct {
	Clock clock.Clock

	// MaxConnsPerHost caps the connections to one server.
	MaxConnsPerHost int

	// MaxConns caps the requests in flight across all servers.
	MaxConns int64

	// IdleTimeout is how long the pool may stay unused before its
	// connections are closed.
	IdleTimeout time.Duration
}

// Validate returns an error if config cannot drive a ConnectionManager.
func (config ManagerConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.MaxConnsPerHost < 0 {
		return errors.NotValidf("negative MaxConnsPerHost")
	}
	if config.MaxConns < 0 {
		return errors.NotValidf("negative MaxConns")
	}
	if config.IdleTimeout < 0 {
		return errors.NotValidf("negative IdleTimeout")
	}
	return nil
}

// ConnectionManager is the connection pool shared by every Channel of a
// process. It runs a worker that closes idle connections.
type ConnectionManager struct {
	catacomb catacomb.Catacomb
	config   ManagerConfig

	transport *http.Transport
	client    *http.Client
	slots     *semaphore.Weighted
	lastUsed  atomic.Int64
	inFlight  atomic.Int64

	discovery singleflight.Group
	mu        sync.Mutex
	sessions  map[string]client.Session
}

// NewConnectionManager returns a running ConnectionManager.
func NewConnectionManager(config ManagerConfig) (*ConnectionManager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.MaxConnsPerHost == 0 {
		config.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if config.MaxConns == 0 {
		config.MaxConns = DefaultMaxConns
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = config.MaxConnsPerHost
	transport.MaxIdleConnsPerHost = config.MaxConnsPerHost
	transport.IdleConnTimeout = config.IdleTimeout
	// Payloads are compressed by the protocol itself.
	transport.DisableCompression = true

	m := &ConnectionManager{
		config:    config,
		transport: transport,
		client:    &http.Client{Transport: transport},
		slots:     semaphore.NewWeighted(config.MaxConns),
		sessions:  make(map[string]client.Session),
	}
	m.touch()
	err := catacomb.Invoke(catacomb.Plan{
		Name: "http-connection-reaper",
		Site: &m.catacomb,
		Work: m.loop,
	})
	return m, errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (m *ConnectionManager) Kill() {
	m.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *ConnectionManager) Wait() error {
	return m.catacomb.Wait()
}

// loop closes the pooled connections once the pool has gone unused for
// the idle timeout.
func (m *ConnectionManager) loop() error {
	defer m.transport.CloseIdleConnections()
	interval := m.config.IdleTimeout / 2
	timer := m.config.Clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-m.catacomb.Dying():
			return m.catacomb.ErrDying()
		case now := <-timer.Chan():
			idle := now.Sub(time.Unix(0, m.lastUsed.Load()))
			if m.inFlight.Load() == 0 && idle >= m.config.IdleTimeout {
				logger.Tracef("closing idle connections after %v", idle)
				m.transport.CloseIdleConnections()
			}
			timer.Reset(interval)
		}
	}
}

func (m *ConnectionManager) touch() {
	m.lastUsed.Store(m.config.Clock.Now().UnixNano())
}

// do sends req once a request slot is free. The slot is held until the
// response body is closed.
func (m *ConnectionManager) do(req *http.Request) (*http.Response, error) {
	if err := m.slots.Acquire(req.Context(), 1); err != nil {
		// Client.Do would have closed the body; a streamed body's writer
		// is blocked on it.
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, errors.Trace(err)
	}
	m.inFlight.Add(1)
	m.touch()
	release := sync.OnceFunc(func() {
		m.touch()
		m.inFlight.Add(-1)
		m.slots.Release(1)
	})
	resp, err := m.client.Do(req)
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	defer b.release()
	return b.ReadCloser.Close()
}

// session returns the session cached for endpoint, running discover only
// once however many channels ask at the same time.
func (m *ConnectionManager) session(ctx context.Context, endpoint string, discover func(context.Context) (client.Session, error)) (client.Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[endpoint]
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	v, err, _ := m.discovery.Do(endpoint, func() (interface{}, error) {
		m.mu.Lock()
		s, ok := m.sessions[endpoint]
		m.mu.Unlock()
		if ok {
			return s, nil
		}
		s, err := discover(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[endpoint] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return client.Session{}, err
	}
	return v.(client.Session), nil
}

func (m *ConnectionManager) forget(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, endpoint)
}
