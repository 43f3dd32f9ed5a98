// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"sync"

	"github.com/juju/errors"

	coreerrors "github.com/juju/replayrpc/core/errors"
)

// NonceSize is the length of client generated nonces.
const NonceSize = 16

// DefaultRingSize is the number of recent nonces remembered per user.
const DefaultRingSize = 64

// NewChallenge returns a fresh nonce and the challenge proving knowledge
// of key for it.
func NewChallenge(key []byte) (nonce, challenge []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errors.Annotate(err, "generating nonce")
	}
	return nonce, Challenge(key, nonce), nil
}

// Challenge computes the challenge for nonce under key.
func Challenge(key, nonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(nonce)
	return mac.Sum(nil)
}

// KeyStore resolves the key of a user.
type KeyStore interface {
	UserKey(user string) ([]byte, error)
}

// StaticKeys is a KeyStore backed by a map.
type StaticKeys map[string][]byte

// UserKey implements KeyStore.
func (k StaticKeys) UserKey(user string) ([]byte, error) {
	key, ok := k[user]
	if !ok {
		return nil, errors.NotFoundf("user %q", user)
	}
	return key, nil
}

// Verifier checks session requests against a KeyStore and rejects
// replayed nonces.
type Verifier struct {
	keys     KeyStore
	ringSize int

	mu    sync.Mutex
	rings map[string]*NonceRing
}

// NewVerifier returns a Verifier remembering ringSize nonces per user.
func NewVerifier(keys KeyStore, ringSize int) *Verifier {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Verifier{
		keys:     keys,
		ringSize: ringSize,
		rings:    make(map[string]*NonceRing),
	}
}

// Verify checks the challenge for nonce and returns the user's key. The
// returned error satisfies errors.Is(err, coreerrors.AuthFailed) for every
// rejection.
func (v *Verifier) Verify(user string, nonce, challenge []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, coreerrors.WithKind(errors.NotValidf("nonce of %d bytes", len(nonce)), coreerrors.AuthFailed)
	}
	key, err := v.keys.UserKey(user)
	if err != nil {
		return nil, coreerrors.WithKind(errors.Trace(err), coreerrors.AuthFailed)
	}
	if !hmac.Equal(Challenge(key, nonce), challenge) {
		return nil, coreerrors.WithKind(errors.Unauthorizedf("bad challenge for %q", user), coreerrors.AuthFailed)
	}
	if !v.ring(user).Remember(nonce) {
		return nil, coreerrors.WithKind(errors.Unauthorizedf("replayed nonce for %q", user), coreerrors.AuthFailed)
	}
	return key, nil
}

func (v *Verifier) ring(user string) *NonceRing {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.rings[user]
	if !ok {
		r = NewNonceRing(v.ringSize)
		v.rings[user] = r
	}
	return r
}

// NonceRing remembers the most recent nonces of one user.
type NonceRing struct {
	mu      sync.Mutex
	entries []string
	next    int
}

// NewNonceRing returns a ring holding up to size nonces.
func NewNonceRing(size int) *NonceRing {
	return &NonceRing{entries: make([]string, size)}
}

// Remember records nonce and reports whether it had not been seen among
// the retained nonces. A seen nonce is not recorded again.
func (r *NonceRing) Remember(nonce []byte) bool {
	key := string(nonce)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e != "" && e == key {
			return false
		}
	}
	r.entries[r.next] = key
	r.next = (r.next + 1) % len(r.entries)
	return true
}
