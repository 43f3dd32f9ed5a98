// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package acknowledger

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// coalescingWorker sends the pending batches of a Coalescer once per
// coalescing window.
type coalescingWorker struct {
	catacomb  catacomb.Catacomb
	coalescer *Coalescer
	wakeup    chan struct{}
}

func newCoalescingWorker(c *Coalescer) (*coalescingWorker, error) {
	w := &coalescingWorker{
		coalescer: c,
		wakeup:    make(chan struct{}, 1),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Name: "acknowledger",
		Site: &w.catacomb,
		Work: w.loop,
	})
	return w, errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (w *coalescingWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *coalescingWorker) Wait() error {
	return w.catacomb.Wait()
}

func (w *coalescingWorker) wake() {
	select {
	case w.wakeup <- struct{}{}:
	default:
	}
}

func (w *coalescingWorker) loop() error {
	config := w.coalescer.config
	var timer clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		var timeout <-chan time.Time
		if timer != nil {
			timeout = timer.Chan()
		}
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.wakeup:
			// The window opens with the first identity of a burst.
			if timer == nil {
				timer = config.Clock.NewTimer(config.Delay)
			}
		case now := <-timeout:
			timer = nil
			w.flush(now)
			if w.coalescer.Pending() > 0 {
				timer = config.Clock.NewTimer(config.Delay)
			}
		}
	}
}

func (w *coalescingWorker) flush(now time.Time) {
	config := w.coalescer.config
	for key, b := range w.coalescer.take() {
		select {
		case <-w.catacomb.Dying():
			return
		default:
		}
		ctx, cancel := context.WithTimeout(w.catacomb.Context(context.Background()), config.SendTimeout)
		err := b.sender.SendAcknowledgment(ctx, b.ids)
		cancel()
		if err == nil {
			config.Logger.Debugf("acknowledged %d requests to %v", len(b.ids), key)
			continue
		}
		dropped := w.coalescer.requeue(w, key, b, now)
		config.Logger.Warningf("acknowledging %d requests to %v failed, dropped %d expired: %v", len(b.ids), key, dropped, err)
	}
}
