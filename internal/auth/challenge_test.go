// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package auth

import (
	"bytes"
	"net"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coreerrors "github.com/juju/replayrpc/core/errors"
)

type challengeSuite struct {
	key []byte
}

var _ = gc.Suite(&challengeSuite{})

func (s *challengeSuite) SetUpTest(c *gc.C) {
	key, err := DeriveKey("bob", NewPassword("secret"))
	c.Assert(err, jc.ErrorIsNil)
	s.key = key
}

func (s *challengeSuite) TestVerify(c *gc.C) {
	v := NewVerifier(StaticKeys{"bob": s.key}, 4)
	nonce, challenge, err := NewChallenge(s.key)
	c.Assert(err, jc.ErrorIsNil)

	key, err := v.Verify("bob", nonce, challenge)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(key, jc.DeepEquals, s.key)
}

func (s *challengeSuite) TestVerifyRejectsReplay(c *gc.C) {
	v := NewVerifier(StaticKeys{"bob": s.key}, 4)
	nonce, challenge, err := NewChallenge(s.key)
	c.Assert(err, jc.ErrorIsNil)

	_, err = v.Verify("bob", nonce, challenge)
	c.Assert(err, jc.ErrorIsNil)
	_, err = v.Verify("bob", nonce, challenge)
	c.Check(err, gc.ErrorMatches, `replayed nonce for "bob"`)
	c.Check(errors.Is(err, coreerrors.AuthFailed), jc.IsTrue)
}

func (s *challengeSuite) TestVerifyRejectsBadChallenge(c *gc.C) {
	v := NewVerifier(StaticKeys{"bob": s.key}, 4)
	nonce, _, err := NewChallenge(s.key)
	c.Assert(err, jc.ErrorIsNil)

	_, err = v.Verify("bob", nonce, []byte("forged"))
	c.Check(errors.Is(err, coreerrors.AuthFailed), jc.IsTrue)

	_, err = v.Verify("mallory", nonce, Challenge(s.key, nonce))
	c.Check(errors.Is(err, coreerrors.AuthFailed), jc.IsTrue)

	_, err = v.Verify("bob", []byte("short"), Challenge(s.key, []byte("short")))
	c.Check(errors.Is(err, coreerrors.AuthFailed), jc.IsTrue)
}

func (s *challengeSuite) TestNonceRingForgetsOldest(c *gc.C) {
	ring := NewNonceRing(2)
	a, b, d := []byte("a"), []byte("b"), []byte("d")
	c.Check(ring.Remember(a), jc.IsTrue)
	c.Check(ring.Remember(b), jc.IsTrue)
	c.Check(ring.Remember(a), jc.IsFalse)
	c.Check(ring.Remember(d), jc.IsTrue)
	// a has been pushed out by d.
	c.Check(ring.Remember(a), jc.IsTrue)
	c.Check(ring.Remember(d), jc.IsFalse)
}

func (s *challengeSuite) TestNonceRingsArePerUser(c *gc.C) {
	other, err := DeriveKey("alice", NewPassword("secret"))
	c.Assert(err, jc.ErrorIsNil)
	v := NewVerifier(StaticKeys{"bob": s.key, "alice": other}, 4)

	nonce := bytes.Repeat([]byte{7}, NonceSize)
	_, err = v.Verify("bob", nonce, Challenge(s.key, nonce))
	c.Assert(err, jc.ErrorIsNil)
	_, err = v.Verify("alice", nonce, Challenge(other, nonce))
	c.Assert(err, jc.ErrorIsNil)
}

func (s *challengeSuite) TestEncryptedConn(c *gc.C) {
	_, challenge, err := NewChallenge(s.key)
	c.Assert(err, jc.ErrorIsNil)
	clientC2S, clientS2C, err := SessionCiphers(s.key, challenge)
	c.Assert(err, jc.ErrorIsNil)
	serverC2S, serverS2C, err := SessionCiphers(s.key, challenge)
	c.Assert(err, jc.ErrorIsNil)

	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()
	client := NewEncryptedConn(left, clientS2C, clientC2S)
	server := NewEncryptedConn(right, serverC2S, serverS2C)

	msg := []byte("attack at dawn")
	done := make(chan []byte)
	go func() {
		buf := make([]byte, len(msg))
		_, _ = server.Read(buf)
		done <- buf
	}()
	_, err = client.Write(msg)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(<-done, jc.DeepEquals, msg)
}
