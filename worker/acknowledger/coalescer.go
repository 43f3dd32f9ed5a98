// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package acknowledger batches notices telling servers they may forget
// finished requests. Delivery is best effort: a lost acknowledgment only
// keeps a cached outcome alive until the server sweeps it.
package acknowledger

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/replayrpc/core/requestid"
)

const (
	// DefaultDelay is how long a batch collects identities before it is
	// sent.
	DefaultDelay = time.Second

	// DefaultMaxAge is how long a finished request is worth
	// acknowledging.
	DefaultMaxAge = 10 * time.Minute

	// DefaultSendTimeout bounds the delivery of one batch.
	DefaultSendTimeout = 10 * time.Second
)

// Logger represents the methods used by the coalescer to log information.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

// Config defines the operation of a Coalescer.
type Config struct {
	Clock  clock.Clock
	Logger Logger

	// Delay is the coalescing window.
	Delay time.Duration

	// MaxAge is how long after it finished an identity is dropped
	// instead of being requeued.
	MaxAge time.Duration

	// SendTimeout bounds the delivery of one batch.
	SendTimeout time.Duration
}

// Validate returns an error if config cannot drive a Coalescer.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Delay < 0 {
		return errors.NotValidf("negative Delay")
	}
	if config.MaxAge < 0 {
		return errors.NotValidf("negative MaxAge")
	}
	if config.SendTimeout < 0 {
		return errors.NotValidf("negative SendTimeout")
	}
	return nil
}

type batch struct {
	sender Sender
	ids    []requestid.ID
}

// Coalescer collects finished request identities per batch key and hands
// them to a background worker, which is started by the first Enqueue.
type Coalescer struct {
	config Config

	mu      sync.Mutex
	pending map[Key]*batch
	worker  *coalescingWorker
}

// NewCoalescer returns a Coalescer. No goroutine runs until something is
// enqueued.
func NewCoalescer(config Config) (*Coalescer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Delay == 0 {
		config.Delay = DefaultDelay
	}
	if config.MaxAge == 0 {
		config.MaxAge = DefaultMaxAge
	}
	if config.SendTimeout == 0 {
		config.SendTimeout = DefaultSendTimeout
	}
	return &Coalescer{
		config:  config,
		pending: make(map[Key]*batch),
	}, nil
}

// Enqueue records that id, reached through sender, may be forgotten by
// the server.
func (c *Coalescer) Enqueue(key Key, sender Sender, id requestid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(key, sender, id)
	if c.worker == nil {
		w, err := newCoalescingWorker(c)
		if err != nil {
			c.config.Logger.Warningf("cannot start acknowledgment worker: %v", err)
			return
		}
		c.worker = w
	}
	c.worker.wake()
}

func (c *Coalescer) add(key Key, sender Sender, ids ...requestid.ID) {
	b, ok := c.pending[key]
	if !ok {
		b = &batch{sender: sender}
		c.pending[key] = b
	}
	b.ids = append(b.ids, ids...)
}

// Pending returns the number of identities waiting to be sent.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, b := range c.pending {
		n += len(b.ids)
	}
	return n
}

// Stop stops the background worker, if any, and drops everything still
// pending. A later Enqueue starts a new worker.
func (c *Coalescer) Stop() error {
	c.mu.Lock()
	w := c.worker
	c.worker = nil
	c.pending = make(map[Key]*batch)
	c.mu.Unlock()
	if w == nil {
		return nil
	}
	w.Kill()
	return errors.Trace(w.Wait())
}

// take removes and returns every pending batch.
func (c *Coalescer) take() map[Key]*batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	batches := c.pending
	c.pending = make(map[Key]*batch)
	return batches
}

// requeue puts back the identities of a failed batch that are still worth
// sending and reports how many it dropped. Batches of a stopped worker are
// dropped whole.
func (c *Coalescer) requeue(w *coalescingWorker, key Key, b *batch, now time.Time) int {
	var keep []requestid.ID
	for _, id := range b.ids {
		if !id.IsExpired(now, c.config.MaxAge) {
			keep = append(keep, id)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.worker != w {
		return len(b.ids)
	}
	if len(keep) > 0 {
		c.add(key, b.sender, keep...)
	}
	return len(b.ids) - len(keep)
}
