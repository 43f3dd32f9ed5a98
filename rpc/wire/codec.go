// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	"github.com/juju/errors"
)

// MaxPayloadSize bounds every length prefix read from the wire.
const MaxPayloadSize = 64 << 20

// Encoder writes protocol primitives. The first error is sticky and
// reported by Err; later writes are no-ops.
type Encoder struct {
	w   io.Writer
	buf [binary.MaxVarintLen64]byte
	err error
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Err returns the first error encountered.
func (e *Encoder) Err() error {
	return e.err
}

func (e *Encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

// Byte writes a single byte.
func (e *Encoder) Byte(b byte) {
	e.buf[0] = b
	e.write(e.buf[:1])
}

// Uvarint writes v as an unsigned varint.
func (e *Encoder) Uvarint(v uint64) {
	n := binary.PutUvarint(e.buf[:], v)
	e.write(e.buf[:n])
}

// Varint writes v as a signed varint.
func (e *Encoder) Varint(v int64) {
	n := binary.PutVarint(e.buf[:], v)
	e.write(e.buf[:n])
}

// Bytes writes a length prefixed byte slice.
func (e *Encoder) Bytes(p []byte) {
	e.Uvarint(uint64(len(p)))
	if len(p) > 0 {
		e.write(p)
	}
}

// String writes a length prefixed string.
func (e *Encoder) String(s string) {
	e.Bytes([]byte(s))
}

// Time writes t with nanosecond precision. The zero time round trips.
func (e *Encoder) Time(t time.Time) {
	if t.IsZero() {
		e.Varint(0)
		return
	}
	e.Varint(t.UnixNano())
}

// Duration writes d in milliseconds.
func (e *Encoder) Duration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.Uvarint(uint64(d / time.Millisecond))
}

// Decoder reads protocol primitives.
type Decoder struct {
	r   io.ByteReader
	raw io.Reader
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

// NewDecoder returns a Decoder reading from r. Readers that cannot read
// single bytes are buffered, in which case the decoder may consume more
// input than it decodes.
func NewDecoder(r io.Reader) *Decoder {
	if br, ok := r.(byteReader); ok {
		return &Decoder{r: br, raw: br}
	}
	br := bufio.NewReader(r)
	return &Decoder{r: br, raw: br}
}

// Reader returns the reader positioned after the last decoded value.
func (d *Decoder) Reader() io.Reader {
	return d.raw
}

// Byte reads a single byte.
func (d *Decoder) Byte() (byte, error) {
	b, err := d.r.ReadByte()
	return b, errors.Trace(unexpectedEOF(err))
}

// Uvarint reads an unsigned varint.
func (d *Decoder) Uvarint() (uint64, error) {
	v, err := binary.ReadUvarint(d.r)
	return v, errors.Trace(unexpectedEOF(err))
}

// Varint reads a signed varint.
func (d *Decoder) Varint() (int64, error) {
	v, err := binary.ReadVarint(d.r)
	return v, errors.Trace(unexpectedEOF(err))
}

// Bytes reads a length prefixed byte slice.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uvarint()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if n > MaxPayloadSize {
		return nil, errors.NotValidf("length %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(d.raw, p); err != nil {
		return nil, errors.Trace(unexpectedEOF(err))
	}
	return p, nil
}

// String reads a length prefixed string.
func (d *Decoder) String() (string, error) {
	p, err := d.Bytes()
	return string(p), errors.Trace(err)
}

// Time reads a time written by Encoder.Time.
func (d *Decoder) Time() (time.Time, error) {
	v, err := d.Varint()
	if err != nil || v == 0 {
		return time.Time{}, errors.Trace(err)
	}
	return time.Unix(0, v), nil
}

// Duration reads a duration written by Encoder.Duration.
func (d *Decoder) Duration() (time.Duration, error) {
	v, err := d.Uvarint()
	return time.Duration(v) * time.Millisecond, errors.Trace(err)
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
