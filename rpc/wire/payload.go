// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wire

import (
	"bytes"
	"io"
	"time"

	"github.com/juju/errors"

	"github.com/juju/replayrpc/core/requestid"
)

// Target names the method an invocation runs.
type Target struct {
	Service string
	Method  string
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.Service + "." + t.Method
}

// InvokeRequest is the payload of an Invoke request. Wait is the time the
// client is still prepared to wait for the result; the server bounds any
// wait on a duplicate arrival by it.
type InvokeRequest struct {
	ID     requestid.ID
	Wait   time.Duration
	Target Target
	Args   []byte
}

// ResendRequest is the payload of a Resend request.
type ResendRequest struct {
	ID   requestid.ID
	Wait time.Duration
}

// InitResponse is the payload of a successful Init response.
type InitResponse struct {
	InstanceID  string
	Origin      requestid.Origin
	IdleTimeout time.Duration
	Chunked     bool
}

// SessionRequest is the payload of a CreateSession request.
type SessionRequest struct {
	User      string
	Nonce     []byte
	Challenge []byte
}

// WriteID writes a request identity.
func WriteID(e *Encoder, id requestid.ID) {
	e.String(string(id.Origin))
	e.Uvarint(id.Sequence)
	e.Time(id.CreatedAt)
}

// ReadID reads a request identity.
func ReadID(d *Decoder) (requestid.ID, error) {
	origin, err := d.String()
	if err != nil {
		return requestid.ID{}, errors.Annotate(err, "reading origin")
	}
	seq, err := d.Uvarint()
	if err != nil {
		return requestid.ID{}, errors.Annotate(err, "reading sequence")
	}
	created, err := d.Time()
	if err != nil {
		return requestid.ID{}, errors.Annotate(err, "reading creation time")
	}
	return requestid.ID{
		Origin:    requestid.Origin(origin),
		Sequence:  seq,
		CreatedAt: created,
	}, nil
}

// WriteInvoke writes an Invoke payload. The identity comes first so a
// server can claim the request before decoding the arguments.
func WriteInvoke(w io.Writer, req InvokeRequest) error {
	e := NewEncoder(w)
	WriteID(e, req.ID)
	e.Duration(req.Wait)
	e.String(req.Target.Service)
	e.String(req.Target.Method)
	e.Bytes(req.Args)
	return errors.Trace(e.Err())
}

// ReadInvokePrologue reads the identity and wait budget of an Invoke
// payload, leaving the decoder positioned at the target.
func ReadInvokePrologue(d *Decoder) (requestid.ID, time.Duration, error) {
	id, err := ReadID(d)
	if err != nil {
		return requestid.ID{}, 0, errors.Trace(err)
	}
	wait, err := d.Duration()
	if err != nil {
		return requestid.ID{}, 0, errors.Annotate(err, "reading wait")
	}
	return id, wait, nil
}

// ReadInvokeBody reads the target and arguments of an Invoke payload.
func ReadInvokeBody(d *Decoder) (Target, []byte, error) {
	service, err := d.String()
	if err != nil {
		return Target{}, nil, errors.Annotate(err, "reading service")
	}
	method, err := d.String()
	if err != nil {
		return Target{}, nil, errors.Annotate(err, "reading method")
	}
	args, err := d.Bytes()
	if err != nil {
		return Target{}, nil, errors.Annotate(err, "reading arguments")
	}
	return Target{Service: service, Method: method}, args, nil
}

// ReadInvoke reads a complete Invoke payload.
func ReadInvoke(r io.Reader) (InvokeRequest, error) {
	d := NewDecoder(r)
	id, wait, err := ReadInvokePrologue(d)
	if err != nil {
		return InvokeRequest{}, errors.Trace(err)
	}
	target, args, err := ReadInvokeBody(d)
	if err != nil {
		return InvokeRequest{}, errors.Trace(err)
	}
	return InvokeRequest{ID: id, Wait: wait, Target: target, Args: args}, nil
}

// EncodeResend returns a Resend payload.
func EncodeResend(req ResendRequest) []byte {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	WriteID(e, req.ID)
	e.Duration(req.Wait)
	return buf.Bytes()
}

// DecodeResend parses a Resend payload.
func DecodeResend(r io.Reader) (ResendRequest, error) {
	d := NewDecoder(r)
	id, err := ReadID(d)
	if err != nil {
		return ResendRequest{}, errors.Trace(err)
	}
	wait, err := d.Duration()
	if err != nil {
		return ResendRequest{}, errors.Annotate(err, "reading wait")
	}
	return ResendRequest{ID: id, Wait: wait}, nil
}

// EncodeAcknowledge returns an Acknowledge payload listing ids.
func EncodeAcknowledge(ids []requestid.ID) []byte {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	e.Uvarint(uint64(len(ids)))
	for _, id := range ids {
		WriteID(e, id)
	}
	return buf.Bytes()
}

const maxAcknowledgePrealloc = 1024

// DecodeAcknowledge parses an Acknowledge payload.
func DecodeAcknowledge(r io.Reader) ([]requestid.ID, error) {
	d := NewDecoder(r)
	n, err := d.Uvarint()
	if err != nil {
		return nil, errors.Annotate(err, "reading count")
	}
	if n > MaxPayloadSize {
		return nil, errors.NotValidf("acknowledgment count %d", n)
	}
	// The count is untrusted until the ids behind it have been read.
	ids := make([]requestid.ID, 0, min(n, maxAcknowledgePrealloc))
	for i := uint64(0); i < n; i++ {
		id, err := ReadID(d)
		if err != nil {
			return nil, errors.Trace(err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// EncodeInit returns an Init response payload.
func EncodeInit(resp InitResponse) []byte {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	e.String(resp.InstanceID)
	e.String(string(resp.Origin))
	e.Duration(resp.IdleTimeout)
	if resp.Chunked {
		e.Byte(1)
	} else {
		e.Byte(0)
	}
	return buf.Bytes()
}

// DecodeInit parses an Init response payload.
func DecodeInit(p []byte) (InitResponse, error) {
	d := NewDecoder(bytes.NewReader(p))
	instance, err := d.String()
	if err != nil {
		return InitResponse{}, errors.Annotate(err, "reading instance id")
	}
	origin, err := d.String()
	if err != nil {
		return InitResponse{}, errors.Annotate(err, "reading origin")
	}
	idle, err := d.Duration()
	if err != nil {
		return InitResponse{}, errors.Annotate(err, "reading idle timeout")
	}
	chunked, err := d.Byte()
	if err != nil {
		return InitResponse{}, errors.Annotate(err, "reading chunk support")
	}
	return InitResponse{
		InstanceID:  instance,
		Origin:      requestid.Origin(origin),
		IdleTimeout: idle,
		Chunked:     chunked == 1,
	}, nil
}

// EncodeSession returns a CreateSession payload.
func EncodeSession(req SessionRequest) []byte {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	e.String(req.User)
	e.Bytes(req.Nonce)
	e.Bytes(req.Challenge)
	return buf.Bytes()
}

// DecodeSession parses a CreateSession payload.
func DecodeSession(p []byte) (SessionRequest, error) {
	d := NewDecoder(bytes.NewReader(p))
	user, err := d.String()
	if err != nil {
		return SessionRequest{}, errors.Annotate(err, "reading user")
	}
	nonce, err := d.Bytes()
	if err != nil {
		return SessionRequest{}, errors.Annotate(err, "reading nonce")
	}
	challenge, err := d.Bytes()
	if err != nil {
		return SessionRequest{}, errors.Annotate(err, "reading challenge")
	}
	return SessionRequest{User: user, Nonce: nonce, Challenge: challenge}, nil
}
