// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/replayrpc/internal/auth"
	"github.com/juju/replayrpc/internal/config"
	"github.com/juju/replayrpc/rpc/event"
	"github.com/juju/replayrpc/rpc/execution"
	"github.com/juju/replayrpc/rpc/server"
	"github.com/juju/replayrpc/rpc/service"
	"github.com/juju/replayrpc/transport/httptransport"
	"github.com/juju/replayrpc/transport/sockettransport"
	"github.com/juju/replayrpc/worker/contextpruner"
)

var logger = loggo.GetLogger("replayrpc.cmd.replayd")

const shutdownTimeout = 10 * time.Second

// Daemon serves the registered services over HTTP and sockets until it
// is killed.
type Daemon struct {
	catacomb catacomb.Catacomb
	config   config.Config

	server     *server.Server
	httpServer *http.Server
	httpLn     net.Listener
	socket     *sockettransport.Server
}

// NewDaemon binds the configured listeners and starts serving.
func NewDaemon(cfg config.Config, clk clock.Clock, methods ...service.Method) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	registry := service.NewRegistry()
	if err := registry.Register(methods...); err != nil {
		return nil, errors.Trace(err)
	}
	store := execution.NewStore()
	metrics := server.NewMetricsCollector(store)
	srv, err := server.New(server.Config{
		InstanceID: server.NewInstanceID(),
		Registry:   registry,
		Store:      store,
		Clock:      clk,
		Metrics:    metrics,
		Listener: event.ListenerFunc(func(e event.MethodInvoked) {
			logger.Tracef("%v %v: %v in %v", e.ID, e.Target, e.Status, e.Duration)
		}),
		IdleTimeout: time.Duration(cfg.IdleTimeout),
		Chunked:     true,
		MaxWait:     time.Duration(cfg.MaxWait),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var verifier *auth.Verifier
	if len(cfg.Users) > 0 {
		keys, err := cfg.Keys()
		if err != nil {
			return nil, errors.Trace(err)
		}
		verifier = auth.NewVerifier(keys, auth.DefaultRingSize)
	}
	d := &Daemon{config: cfg, server: srv}

	pruner, err := contextpruner.New(contextpruner.Config{
		Store:    store,
		Metrics:  metrics,
		Clock:    clk,
		Logger:   loggo.GetLogger("replayrpc.worker.contextpruner"),
		Interval: time.Duration(cfg.Prune.Interval),
		MaxAge:   time.Duration(cfg.Prune.MaxAge),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	binds := []func() error{
		func() error { return d.listenHTTP(metrics, verifier) },
		func() error { return d.listenSocket(verifier) },
	}
	for _, f := range binds {
		if err := f(); err != nil {
			pruner.Kill()
			_ = pruner.Wait()
			d.closeListeners()
			return nil, errors.Trace(err)
		}
	}

	plan := catacomb.Plan{
		Name: "replayd",
		Site: &d.catacomb,
		Work: d.loop,
		Init: []worker.Worker{pruner},
	}
	if d.socket != nil {
		plan.Init = append(plan.Init, d.socket)
	}
	if err := catacomb.Invoke(plan); err != nil {
		d.closeListeners()
		return nil, errors.Trace(err)
	}
	logger.Infof("replayd instance %s serving %v", srv.InstanceID(), registry.Keys())
	return d, nil
}

func (d *Daemon) listenHTTP(metrics *server.Collector, verifier *auth.Verifier) error {
	cfg := d.config.HTTP
	if cfg.Address == "" {
		return nil
	}
	handler, err := httptransport.NewHandler(httptransport.HandlerConfig{
		Server:         d.server,
		Verifier:       verifier,
		AffinityCookie: cfg.AffinityCookie,
	})
	if err != nil {
		return errors.Trace(err)
	}
	router := mux.NewRouter()
	router.PathPrefix(cfg.Path + "/").Handler(http.StripPrefix(cfg.Path, handler))
	if cfg.MetricsPath != "" {
		registry := prometheus.NewRegistry()
		if err := registry.Register(metrics); err != nil {
			return errors.Trace(err)
		}
		router.Handle(cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	d.httpLn, err = net.Listen("tcp", cfg.Address)
	if err != nil {
		return errors.Annotate(err, "listening for HTTP")
	}
	d.httpServer = &http.Server{
		Handler:     router,
		IdleTimeout: time.Duration(d.config.IdleTimeout),
	}
	logger.Infof("serving HTTP on %s%s", d.httpLn.Addr(), cfg.Path)
	return nil
}

func (d *Daemon) listenSocket(verifier *auth.Verifier) error {
	cfg := d.config.Socket
	if cfg.Address == "" {
		return nil
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return errors.Annotate(err, "listening for sockets")
	}
	d.socket, err = sockettransport.NewServer(sockettransport.ServerConfig{
		Server:      d.server,
		Listener:    ln,
		Verifier:    verifier,
		MaxConns:    cfg.MaxConns,
		IdleTimeout: time.Duration(d.config.IdleTimeout),
	})
	if err != nil {
		_ = ln.Close()
		return errors.Trace(err)
	}
	logger.Infof("serving sockets on %s", ln.Addr())
	return nil
}

// closeListeners releases what NewDaemon bound before failing.
func (d *Daemon) closeListeners() {
	if d.httpLn != nil {
		_ = d.httpLn.Close()
	}
	if d.socket != nil {
		d.socket.Kill()
		_ = d.socket.Wait()
	}
}

// HTTPAddr returns the HTTP listener address, or nil if HTTP is off.
func (d *Daemon) HTTPAddr() net.Addr {
	if d.httpLn == nil {
		return nil
	}
	return d.httpLn.Addr()
}

// SocketAddr returns the socket listener address, or nil if sockets
// are off.
func (d *Daemon) SocketAddr() net.Addr {
	if d.socket == nil {
		return nil
	}
	return d.socket.Addr()
}

// Kill is part of the worker.Worker interface.
func (d *Daemon) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *Daemon) Wait() error {
	return d.catacomb.Wait()
}

func (d *Daemon) loop() error {
	if d.httpServer == nil {
		<-d.catacomb.Dying()
		return d.catacomb.ErrDying()
	}
	served := make(chan error, 1)
	go func() {
		served <- d.httpServer.Serve(d.httpLn)
	}()
	select {
	case <-d.catacomb.Dying():
	case err := <-served:
		return errors.Annotate(err, "serving HTTP")
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.httpServer.Shutdown(ctx); err != nil {
		logger.Warningf("shutting down HTTP: %v", err)
	}
	<-served
	return d.catacomb.ErrDying()
}
