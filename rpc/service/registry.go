// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service maps stable method keys to the functions that serve
// them.
package service

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/replayrpc/rpc/wire"
)

// Func serves one method. It receives the encoded arguments and returns
// the encoded result. Returning a *wire.Fault raises that fault.
type Func func(ctx context.Context, args []byte) ([]byte, error)

// Method describes a servable method.
type Method struct {
	// Service names the service the method belongs to.
	Service string

	// Name is the method name.
	Name string

	// ParamTypes names the parameter types, so overloaded methods get
	// distinct keys.
	ParamTypes []string

	// Faults lists the fault codes the method declares.
	Faults []string

	// Func serves the method.
	Func Func
}

// Key returns the stable key of m: "service.name(type,...)".
func (m Method) Key() string {
	return MethodKey(m.Service, m.Name, m.ParamTypes...)
}

// Target returns the wire target addressing m.
func (m Method) Target() wire.Target {
	return wire.Target{Service: m.Service, Method: Signature(m.Name, m.ParamTypes...)}
}

// Declares reports whether code is one of the method's declared faults.
func (m Method) Declares(code string) bool {
	return set.NewStrings(m.Faults...).Contains(code)
}

// Validate checks the method can be registered.
func (m Method) Validate() error {
	if m.Service == "" {
		return errors.NotValidf("empty service name")
	}
	if m.Name == "" {
		return errors.NotValidf("empty method name")
	}
	if m.Func == nil {
		return errors.NotValidf("method %q without func", m.Key())
	}
	return nil
}

// Signature returns "name(type,...)".
func Signature(name string, paramTypes ...string) string {
	return name + "(" + strings.Join(paramTypes, ",") + ")"
}

// MethodKey returns the registry key of a method.
func MethodKey(service, name string, paramTypes ...string) string {
	return service + "." + Signature(name, paramTypes...)
}

// TargetKey returns the registry key addressed by target.
func TargetKey(target wire.Target) string {
	return target.Service + "." + target.Method
}

// Registry holds the methods a server exposes. It is built at
// registration time and safe for concurrent lookups.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		methods: make(map[string]Method),
	}
}

// Register adds methods to the registry. Nothing is registered if any
// method is invalid or already present.
func (r *Registry) Register(methods ...Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := set.NewStrings()
	for _, m := range methods {
		if err := m.Validate(); err != nil {
			return errors.Trace(err)
		}
		key := m.Key()
		if _, ok := r.methods[key]; ok || pending.Contains(key) {
			return errors.AlreadyExistsf("method %q", key)
		}
		pending.Add(key)
	}
	for _, m := range methods {
		r.methods[m.Key()] = m
	}
	return nil
}

// Lookup returns the method addressed by target.
func (r *Registry) Lookup(target wire.Target) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[TargetKey(target)]
	if !ok {
		return Method{}, errors.NotFoundf("method %q", TargetKey(target))
	}
	return m, nil
}

// HasService reports whether any method of service is registered.
func (r *Registry) HasService(service string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.methods {
		if m.Service == service {
			return true
		}
	}
	return false
}

// Keys returns the sorted keys of all registered methods.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.methods))
	for k := range r.methods {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
