// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package compress wraps payloads in the snappy framed stream format.
package compress

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/juju/errors"
)

// NewWriter returns a writer compressing into w. Close must be called to
// flush the final block; it does not close w.
func NewWriter(w io.Writer) io.WriteCloser {
	return snappy.NewBufferedWriter(w)
}

// Encode compresses p.
func Encode(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, errors.Trace(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses p.
func Decode(p []byte) ([]byte, error) {
	r := NewReader(bytes.NewReader(p))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Annotate(err, "decompressing payload")
	}
	return out, errors.Trace(r.Finish())
}

// Reader decompresses a snappy stream. The owner must call Finish once it
// has decoded what it needs and before the underlying connection is
// reused, so trailing stream blocks are consumed and buffers released.
type Reader struct {
	src      io.Reader
	snappy   *snappy.Reader
	finished bool
}

// NewReader returns a Reader decompressing from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		src:    r,
		snappy: snappy.NewReader(r),
	}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.finished {
		return 0, io.EOF
	}
	return r.snappy.Read(p)
}

// ReadByte implements io.ByteReader so decoders need no extra buffering.
func (r *Reader) ReadByte() (byte, error) {
	var b [1]byte
	for {
		n, err := r.Read(b[:])
		if n == 1 {
			return b[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// Finish drains the rest of the compressed stream and releases the
// decoder. It is safe to call more than once.
func (r *Reader) Finish() error {
	if r.finished {
		return nil
	}
	_, err := io.Copy(io.Discard, r.snappy)
	r.finished = true
	r.snappy.Reset(nil)
	r.snappy = nil
	return errors.Annotate(err, "finishing compressed stream")
}
