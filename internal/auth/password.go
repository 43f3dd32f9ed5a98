// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package auth implements the challenge-response handshake used by the
// socket transport and the session ciphers derived from it.
package auth

import (
	"crypto/sha512"

	"github.com/juju/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// ErrPasswordNotValid is returned for empty or oversized passwords.
	ErrPasswordNotValid = errors.ConstError("password not valid")

	// ErrPasswordDestroyed is returned when a destroyed password is used.
	ErrPasswordDestroyed = errors.ConstError("password has been destroyed")

	maxPasswordLength = 1024

	keyIterations = 8192
	// KeySize is the length of every user key.
	KeySize = 32
)

// Password wraps a plain text password so it cannot leak through
// formatting, and can be wiped after use.
type Password struct {
	password []byte
}

// NewPassword wraps p.
func NewPassword(p string) Password {
	return Password{password: []byte(p)}
}

// String implements fmt.Stringer and never reveals the password.
func (p Password) String() string {
	return ""
}

// GoString implements fmt.GoStringer and never reveals the password.
func (p Password) GoString() string {
	return ""
}

// Destroy overwrites the password in place. Calling it more than once is
// harmless.
func (p *Password) Destroy() {
	for i := range p.password {
		p.password[i] = 0
	}
	p.password = nil
}

// IsDestroyed reports whether Destroy has been called.
func (p Password) IsDestroyed() bool {
	return p.password == nil
}

// Validate checks the password can be used.
func (p Password) Validate() error {
	if p.IsDestroyed() {
		return ErrPasswordDestroyed
	}
	if len(p.password) == 0 || len(p.password) > maxPasswordLength {
		return ErrPasswordNotValid
	}
	return nil
}

// DeriveKey stretches the password of user into the key both ends of the
// handshake hold. The password is destroyed once the key is derived.
func DeriveKey(user string, p Password) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	defer p.Destroy()
	return pbkdf2.Key(p.password, []byte("replayrpc:"+user), keyIterations, KeySize, sha512.New), nil
}
