// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sockettransport carries requests over persistent, pooled TCP
// connections. Every request and its reply form one conversation
// delimited by begin and end markers.
package sockettransport

import (
	"bufio"
	"bytes"
	"io"

	"github.com/juju/errors"

	"github.com/juju/replayrpc/internal/compress"
	"github.com/juju/replayrpc/rpc/wire"
)

func writeRequest(w *bufio.Writer, f wire.Frame) error {
	if err := w.WriteByte(wire.ConversationBegin); err != nil {
		return errors.Trace(err)
	}
	if err := wire.WriteFrame(w, f); err != nil {
		return errors.Trace(err)
	}
	if err := w.WriteByte(wire.ConversationEnd); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(w.Flush())
}

func readRequest(r *bufio.Reader) (wire.Frame, error) {
	if err := wire.ExpectByte(r, wire.ConversationBegin); err != nil {
		return wire.Frame{}, errors.Trace(err)
	}
	f, err := wire.ReadFrame(r)
	if err != nil {
		return wire.Frame{}, errors.Trace(err)
	}
	if err := wire.ExpectByte(r, wire.ConversationEnd); err != nil {
		return wire.Frame{}, errors.Trace(err)
	}
	return f, nil
}

func writeReply(w *bufio.Writer, resp wire.Response) error {
	if err := w.WriteByte(wire.ConversationBegin); err != nil {
		return errors.Trace(err)
	}
	if err := wire.WriteResponse(w, resp); err != nil {
		return errors.Trace(err)
	}
	if err := w.WriteByte(wire.ConversationEnd); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(w.Flush())
}

func readReply(r *bufio.Reader) (wire.Response, error) {
	if err := wire.ExpectByte(r, wire.ConversationBegin); err != nil {
		return wire.Response{}, errors.Trace(err)
	}
	resp, err := wire.ReadResponse(r)
	if err != nil {
		return wire.Response{}, errors.Trace(err)
	}
	if err := wire.ExpectByte(r, wire.ConversationEnd); err != nil {
		return wire.Response{}, errors.Trace(err)
	}
	return resp, nil
}

// writeEcho answers a ping with its own request byte.
func writeEcho(w *bufio.Writer, b byte) error {
	if _, err := w.Write([]byte{wire.ConversationBegin, b, wire.ConversationEnd}); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(w.Flush())
}

func readEcho(r *bufio.Reader, want byte) error {
	for _, b := range []byte{wire.ConversationBegin, want, wire.ConversationEnd} {
		if err := wire.ExpectByte(r, b); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// encodePayload compresses p when the header asks for it.
func encodePayload(hdr wire.Header, p []byte) ([]byte, error) {
	if !hdr.Flags.Has(wire.Compressed) {
		return p, nil
	}
	return compress.Encode(p)
}

// payloadReader returns a reader over the request payload and the func
// that must be called once the request has been served.
func payloadReader(f wire.Frame) (io.Reader, func()) {
	r := bytes.NewReader(f.Payload)
	if !f.Header.Flags.Has(wire.Compressed) {
		return r, func() {}
	}
	cr := compress.NewReader(r)
	return cr, func() {
		if err := cr.Finish(); err != nil {
			logger.Debugf("%v", err)
		}
	}
}
