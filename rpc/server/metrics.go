// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/replayrpc/rpc/execution"
	"github.com/juju/replayrpc/rpc/wire"
)

const metricsNamespace = "replayrpc_server"

// Collector is a prometheus.Collector that collects metrics about the
// request replay server. A nil *Collector records nothing.
type Collector struct {
	store *execution.Store

	contexts   prometheus.Gauge
	requests   *prometheus.CounterVec
	executions *prometheus.CounterVec
	duplicates prometheus.Counter
	replays    *prometheus.CounterVec
	acks       prometheus.Counter
	swept      prometheus.Counter
}

// NewMetricsCollector returns a new Collector reporting on store.
func NewMetricsCollector(store *execution.Store) *Collector {
	return &Collector{
		store: store,
		contexts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "contexts",
				Help:      "The number of execution contexts held for replay.",
			},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of requests received, by request type.",
			}, []string{"type"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "executions_total",
				Help:      "The number of method bodies executed, by outcome.",
			}, []string{"status"},
		),
		duplicates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "duplicate_arrivals_total",
				Help:      "The number of invocations that arrived for a known request.",
			},
		),
		replays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "replays_total",
				Help:      "The number of cached outcomes replayed, by outcome.",
			}, []string{"status"},
		),
		acks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "acknowledged_total",
				Help:      "The number of contexts removed by acknowledgment.",
			},
		),
		swept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "swept_total",
				Help:      "The number of contexts removed by the staleness sweep.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.contexts.Describe(ch)
	c.requests.Describe(ch)
	c.executions.Describe(ch)
	c.duplicates.Describe(ch)
	c.replays.Describe(ch)
	c.acks.Describe(ch)
	c.swept.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.store != nil {
		c.contexts.Set(float64(c.store.Len()))
	}
	c.contexts.Collect(ch)
	c.requests.Collect(ch)
	c.executions.Collect(ch)
	c.duplicates.Collect(ch)
	c.replays.Collect(ch)
	c.acks.Collect(ch)
	c.swept.Collect(ch)
}

// Swept records contexts removed by a sweep.
func (c *Collector) Swept(n int) {
	if c == nil {
		return
	}
	c.swept.Add(float64(n))
}

func (c *Collector) request(t wire.RequestType) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(t.String()).Inc()
}

func (c *Collector) executed(status wire.Status) {
	if c == nil {
		return
	}
	c.executions.WithLabelValues(status.String()).Inc()
}

func (c *Collector) duplicate() {
	if c == nil {
		return
	}
	c.duplicates.Inc()
}

func (c *Collector) replayed(status wire.Status) {
	if c == nil {
		return
	}
	c.replays.WithLabelValues(status.String()).Inc()
}

func (c *Collector) acknowledged(n int) {
	if c == nil {
		return
	}
	c.acks.Add(float64(n))
}
