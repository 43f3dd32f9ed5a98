// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package contextpruner removes finished execution contexts whose
// acknowledgment never arrived.
package contextpruner

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
)

// Logger represents the methods used by the worker to log information.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
}

// Store is the part of the execution store the pruner needs.
type Store interface {
	Sweep(now time.Time, maxAge time.Duration) int
}

// Metrics records the outcome of every sweep.
type Metrics interface {
	Swept(n int)
}

// Config defines the operation of the Worker.
type Config struct {
	Store   Store
	Metrics Metrics
	Clock   clock.Clock
	Logger  Logger

	// Interval is the time between sweeps.
	Interval time.Duration

	// MaxAge is how long a finished context is kept.
	MaxAge time.Duration
}

// Validate returns an error if config cannot drive the Worker.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	if config.MaxAge <= 0 {
		return errors.NotValidf("non-positive MaxAge")
	}
	return nil
}

// New returns a worker that sweeps config.Store every interval.
func New(config Config) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "context-pruner",
		Site: &w.catacomb,
		Work: w.loop,
	})
	return w, errors.Trace(err)
}

// Worker prunes stale execution contexts.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// Kill is defined on worker.Worker.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	w.config.Logger.Infof("pruning contexts older than %v every %v", w.config.MaxAge, w.config.Interval)
	timer := w.config.Clock.NewTimer(w.config.Interval)
	defer timer.Stop()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case now := <-timer.Chan():
			n := w.config.Store.Sweep(now, w.config.MaxAge)
			if n > 0 {
				w.config.Logger.Debugf("pruned %d stale contexts", n)
			}
			if w.config.Metrics != nil {
				w.config.Metrics.Swept(n)
			}
			timer.Reset(w.config.Interval)
		}
	}
}
