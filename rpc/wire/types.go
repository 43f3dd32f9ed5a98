// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package wire defines the byte level protocol shared by every transport:
// the request header byte, response status byte, frames and the payload
// encodings of each request type.
package wire

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// RequestType selects the operation a request performs. It occupies the
// low bits of the header byte.
type RequestType byte

const (
	// Invoke carries a request identity, target and arguments.
	Invoke RequestType = 1
	// Resend asks for the cached result of a known request identity.
	Resend RequestType = 2
	// Acknowledge tells the server it may forget the listed identities.
	Acknowledge RequestType = 3
	// Ping carries no payload; the server echoes the header byte.
	Ping RequestType = 4
	// Init asks the server for its instance id and a client origin.
	Init RequestType = 5
	// CreateSession performs the challenge-response handshake.
	CreateSession RequestType = 6
)

const typeMask = 0x0f

var requestTypeNames = map[RequestType]string{
	Invoke:        "invoke",
	Resend:        "resend",
	Acknowledge:   "acknowledge",
	Ping:          "ping",
	Init:          "init",
	CreateSession: "create-session",
}

// RequestTypes returns every valid request type.
func RequestTypes() []RequestType {
	return []RequestType{Invoke, Resend, Acknowledge, Ping, Init, CreateSession}
}

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	_, ok := requestTypeNames[t]
	return ok
}

func (t RequestType) String() string {
	if name, ok := requestTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("request-type(%d)", byte(t))
}

// Flags are independent bits carried in the high nibble of the header.
type Flags byte

const (
	// Compressed marks a payload wrapped in the streaming compressor.
	Compressed Flags = 0x10
	// RequiresAuth marks a request that must run on an authenticated
	// session.
	RequiresAuth Flags = 0x20
	// RequiresEncryption asks for the session to be encrypted once the
	// handshake completes.
	RequiresEncryption Flags = 0x40

	flagMask = Flags(0x70)
)

// AllFlagCombinations returns every combination of the defined flags.
func AllFlagCombinations() []Flags {
	var all []Flags
	for f := Flags(0); f <= flagMask; f += 0x10 {
		all = append(all, f)
	}
	return all
}

// Has reports whether every bit of flag is set.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	var parts []string
	if f.Has(Compressed) {
		parts = append(parts, "compressed")
	}
	if f.Has(RequiresAuth) {
		parts = append(parts, "auth")
	}
	if f.Has(RequiresEncryption) {
		parts = append(parts, "encrypt")
	}
	return strings.Join(parts, "|")
}

// Header is the decoded leading byte of every request.
type Header struct {
	Type  RequestType
	Flags Flags
}

// Byte encodes the header.
func (h Header) Byte() byte {
	return byte(h.Type)&typeMask | byte(h.Flags&flagMask)
}

func (h Header) String() string {
	if h.Flags == 0 {
		return h.Type.String()
	}
	return h.Type.String() + "[" + h.Flags.String() + "]"
}

// ParseHeader decodes a header byte, rejecting unknown types and bits.
func ParseHeader(b byte) (Header, error) {
	h := Header{
		Type:  RequestType(b & typeMask),
		Flags: Flags(b) & flagMask,
	}
	if !h.Type.Valid() {
		return Header{}, errors.NotValidf("request type %d", b&typeMask)
	}
	if b&^(typeMask|byte(flagMask)) != 0 {
		return Header{}, errors.NotValidf("header bits %#x", b)
	}
	return h, nil
}

// Status is the leading byte of every response other than a ping echo.
type Status byte

const (
	// StatusOK carries the encoded result.
	StatusOK Status = 0
	// StatusFault carries an encoded Fault.
	StatusFault Status = 1
	// StatusNeverArrived means the server holds no parameters for the
	// identity; the client must resubmit them.
	StatusNeverArrived Status = 2
	// StatusAuthFailed means the request was refused for lack of a valid
	// authenticated session.
	StatusAuthFailed Status = 3
	// StatusStaleInstance means the identity was issued by a different
	// server instance.
	StatusStaleInstance Status = 4
	// StatusInProgress means the method is still running and the bounded
	// wait for it expired.
	StatusInProgress Status = 5
)

var statusNames = map[Status]string{
	StatusOK:            "ok",
	StatusFault:         "fault",
	StatusNeverArrived:  "never-arrived",
	StatusAuthFailed:    "auth-failed",
	StatusStaleInstance: "stale-instance",
	StatusInProgress:    "in-progress",
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", byte(s))
}
