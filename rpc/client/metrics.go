// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package client

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/replayrpc/rpc/wire"
)

const metricsNamespace = "replayrpc_client"

// Collector is a prometheus.Collector that collects metrics about client
// invocations. A nil *Collector records nothing.
type Collector struct {
	attempts *prometheus.CounterVec
	probes   *prometheus.CounterVec
	calls    *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "attempts_total",
				Help:      "The number of request attempts, by coordinator state.",
			}, []string{"state"},
		),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "probes_total",
				Help:      "The number of liveness probes, by result.",
			}, []string{"result"},
		),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "calls_total",
				Help:      "The number of completed calls, by result.",
			}, []string{"result"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.attempts.Describe(ch)
	c.probes.Describe(ch)
	c.calls.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.attempts.Collect(ch)
	c.probes.Collect(ch)
	c.calls.Collect(ch)
}

func (c *Collector) attempt(state phase) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(state.String()).Inc()
}

func (c *Collector) probed(err error) {
	if c == nil {
		return
	}
	c.probes.WithLabelValues(result(err)).Inc()
}

func (c *Collector) called(err error) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return wire.StatusOK.String()
	case IsRemote(err):
		return wire.StatusFault.String()
	}
	return "error"
}
