// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package client

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/replayrpc/rpc/service"
	"github.com/juju/replayrpc/rpc/wire"
)

const (
	// DefaultTimeout bounds a call, across all its attempts, when neither
	// the proxy nor the method configures one.
	DefaultTimeout = time.Minute

	// DefaultRetries is the number of transport failures a call survives.
	DefaultRetries = 5

	// DefaultProbeInterval is the fixed delay between liveness pings.
	DefaultProbeInterval = time.Second

	// DefaultProbeTimeout bounds the liveness probe when the parameters
	// are known to have reached the server.
	DefaultProbeTimeout = 30 * time.Second

	// DefaultUncertainProbeTimeout bounds the liveness probe when it is
	// not known whether the parameters were sent.
	DefaultUncertainProbeTimeout = 2 * time.Minute
)

// Method identifies a remote method and the faults it declares.
type Method struct {
	Service    string
	Name       string
	ParamTypes []string
	Faults     []string
}

// Key returns the stable method key, as used by the server registry and
// by Config.MethodTimeouts.
func (m Method) Key() string {
	return service.MethodKey(m.Service, m.Name, m.ParamTypes...)
}

// Target returns the wire target addressing m.
func (m Method) Target() wire.Target {
	return wire.Target{Service: m.Service, Method: service.Signature(m.Name, m.ParamTypes...)}
}

// Declares reports whether code is one of the faults m declares.
func (m Method) Declares(code string) bool {
	return set.NewStrings(m.Faults...).Contains(code)
}

// Config holds the parameters of a Proxy.
type Config struct {
	// Channel carries requests to the server.
	Channel Channel

	// Acknowledger, if set, is told about every finished request.
	Acknowledger Acknowledger

	// Clock is used for deadlines and probe delays.
	Clock clock.Clock

	// Metrics, if set, records client activity.
	Metrics *Collector

	// Timeout bounds every call across all its attempts.
	Timeout time.Duration

	// MethodTimeouts overrides Timeout for individual methods, keyed by
	// method key.
	MethodTimeouts map[string]time.Duration

	// Retries is the number of transport failures a call survives.
	Retries int

	// ProbeInterval is the delay between liveness pings.
	ProbeInterval time.Duration

	// ProbeTimeout bounds the liveness probe after the parameters are
	// known to have been sent.
	ProbeTimeout time.Duration

	// UncertainProbeTimeout bounds the liveness probe when it is unknown
	// whether the parameters were sent.
	UncertainProbeTimeout time.Duration
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.Channel == nil {
		return errors.NotValidf("nil Channel")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Timeout < 0 {
		return errors.NotValidf("negative Timeout")
	}
	for key, timeout := range c.MethodTimeouts {
		if timeout <= 0 {
			return errors.NotValidf("timeout %v for %q", timeout, key)
		}
	}
	if c.Retries < 0 {
		return errors.NotValidf("negative Retries")
	}
	if c.ProbeInterval < 0 || c.ProbeTimeout < 0 || c.UncertainProbeTimeout < 0 {
		return errors.NotValidf("negative probe duration")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.UncertainProbeTimeout == 0 {
		c.UncertainProbeTimeout = DefaultUncertainProbeTimeout
	}
	return c
}

func (c Config) timeoutFor(key string) time.Duration {
	if timeout, ok := c.MethodTimeouts[key]; ok {
		return timeout
	}
	return c.Timeout
}
