// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
)

const (
	// ConversationBegin opens every request-response exchange on a
	// persistent socket.
	ConversationBegin byte = 0xb5
	// ConversationEnd closes every request-response exchange on a
	// persistent socket.
	ConversationEnd byte = 0xe5

	lengthSize = 4
)

// Frame is a length framed request: header byte, big endian uint32
// payload length, payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// EncodeFrame returns the wire form of f.
func EncodeFrame(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a complete frame, rejecting trailing bytes.
func DecodeFrame(p []byte) (Frame, error) {
	r := bytes.NewReader(p)
	f, err := ReadFrame(r)
	if err != nil {
		return Frame{}, errors.Trace(err)
	}
	if r.Len() != 0 {
		return Frame{}, errors.NotValidf("%d trailing bytes after frame", r.Len())
	}
	return f, nil
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	if !f.Header.Type.Valid() {
		return errors.NotValidf("request type %d", f.Header.Type)
	}
	return writeBlock(w, f.Header.Byte(), f.Payload)
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	lead, payload, err := readBlock(r)
	if err != nil {
		return Frame{}, errors.Trace(err)
	}
	h, err := ParseHeader(lead)
	if err != nil {
		return Frame{}, errors.Trace(err)
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Response is a length framed reply: status byte, big endian uint32
// payload length, payload.
type Response struct {
	Status  Status
	Payload []byte
}

// WriteResponse writes resp to w.
func WriteResponse(w io.Writer, resp Response) error {
	return writeBlock(w, byte(resp.Status), resp.Payload)
}

// ReadResponse reads one response from r.
func ReadResponse(r io.Reader) (Response, error) {
	lead, payload, err := readBlock(r)
	if err != nil {
		return Response{}, errors.Trace(err)
	}
	status := Status(lead)
	if !status.Valid() {
		return Response{}, errors.NotValidf("status %d", lead)
	}
	return Response{Status: status, Payload: payload}, nil
}

func writeBlock(w io.Writer, lead byte, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return errors.NotValidf("payload of %s", humanize.IBytes(uint64(len(payload))))
	}
	var hdr [1 + lengthSize]byte
	hdr[0] = lead
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Trace(err)
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return errors.Trace(err)
}

func readBlock(r io.Reader) (byte, []byte, error) {
	var hdr [1 + lengthSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, errors.Trace(err)
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxPayloadSize {
		return 0, nil, errors.NotValidf("payload of %s", humanize.IBytes(uint64(n)))
	}
	if n == 0 {
		return hdr[0], nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, errors.Trace(unexpectedEOF(err))
	}
	return hdr[0], payload, nil
}

// ExpectByte reads one byte from r and fails unless it equals want.
func ExpectByte(r io.Reader, want byte) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return errors.Trace(err)
	}
	if b[0] != want {
		return errors.NotValidf("byte %#x, expected %#x", b[0], want)
	}
	return nil
}
