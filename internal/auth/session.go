// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package auth

import (
	"crypto/cipher"
	"crypto/sha256"
	"io"
	"net"

	"github.com/juju/errors"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	clientToServer = "replayrpc client to server"
	serverToClient = "replayrpc server to client"
)

// SessionCiphers derives the two stream ciphers of an encrypted session
// from the user key and the handshake challenge.
func SessionCiphers(key, challenge []byte) (c2s, s2c cipher.Stream, err error) {
	if c2s, err = deriveStream(key, challenge, clientToServer); err != nil {
		return nil, nil, errors.Trace(err)
	}
	if s2c, err = deriveStream(key, challenge, serverToClient); err != nil {
		return nil, nil, errors.Trace(err)
	}
	return c2s, s2c, nil
}

func deriveStream(key, challenge []byte, info string) (cipher.Stream, error) {
	material := make([]byte, chacha20.KeySize+chacha20.NonceSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, challenge, []byte(info)), material); err != nil {
		return nil, errors.Annotate(err, "deriving session key")
	}
	stream, err := chacha20.NewUnauthenticatedCipher(material[:chacha20.KeySize], material[chacha20.KeySize:])
	return stream, errors.Trace(err)
}

// EncryptedConn wraps a connection so reads are decrypted with one stream
// and writes encrypted with the other.
type EncryptedConn struct {
	net.Conn
	read  cipher.Stream
	write cipher.Stream
}

// NewEncryptedConn returns conn wrapped in the given ciphers.
func NewEncryptedConn(conn net.Conn, read, write cipher.Stream) *EncryptedConn {
	return &EncryptedConn{Conn: conn, read: read, write: write}
}

// Read implements io.Reader.
func (c *EncryptedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.read.XORKeyStream(p[:n], p[:n])
	return n, err
}

// Write implements io.Writer.
func (c *EncryptedConn) Write(p []byte) (int, error) {
	out := make([]byte, len(p))
	c.write.XORKeyStream(out, p)
	return c.Conn.Write(out)
}
