// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package execution

import (
	"sync"
	"time"

	"github.com/juju/replayrpc/core/requestid"
)

// Store holds the contexts of every request the server has not been told
// to forget.
type Store struct {
	mu       sync.Mutex
	contexts map[requestid.Key]*Context
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		contexts: make(map[requestid.Key]*Context),
	}
}

// GetOrCreate returns the context for id, creating it if needed. Racing
// calls for the same id return the same context; created reports whether
// this call made it.
func (s *Store) GetOrCreate(id requestid.ID) (ctx *Context, created bool) {
	key := id.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx, ok := s.contexts[key]; ok {
		return ctx, false
	}
	ctx = newContext(id)
	s.contexts[key] = ctx
	return ctx, true
}

// Get returns the context for id, if any.
func (s *Store) Get(id requestid.ID) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[id.Key()]
	return ctx, ok
}

// Remove forgets id. Removing an unknown id is not an error; it reports
// whether anything was removed.
func (s *Store) Remove(id requestid.ID) bool {
	key := id.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contexts[key]
	delete(s.contexts, key)
	return ok
}

// Len returns the number of contexts held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

// Sweep removes finished contexts whose outcome has been buffered for
// longer than maxAge, and released contexts no attempt has reclaimed
// within maxAge. It returns how many it removed. Contexts being read or
// invoked are never swept.
func (s *Store) Sweep(now time.Time, maxAge time.Duration) int {
	s.mu.Lock()
	candidates := make([]*Context, 0, len(s.contexts))
	for _, ctx := range s.contexts {
		candidates = append(candidates, ctx)
	}
	s.mu.Unlock()

	var removed int
	for _, ctx := range candidates {
		if !ctx.retireIfStale(now, maxAge) {
			continue
		}
		s.mu.Lock()
		if s.contexts[ctx.id.Key()] == ctx {
			delete(s.contexts, ctx.id.Key())
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}
