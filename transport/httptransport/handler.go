// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httptransport

import (
	"encoding/base64"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/juju/replayrpc/internal/auth"
	"github.com/juju/replayrpc/internal/compress"
	"github.com/juju/replayrpc/rpc/server"
	"github.com/juju/replayrpc/rpc/wire"
)

// HandlerConfig holds the parameters of the HTTP handler.
type HandlerConfig struct {
	// Server executes the decoded requests.
	Server *server.Server

	// Verifier, if set, authenticates every request.
	Verifier *auth.Verifier

	// AffinityCookie, if set, names a cookie carrying the server
	// instance, so a load balancer can keep a client on one instance.
	AffinityCookie string
}

// Validate returns an error if config cannot drive a handler.
func (config HandlerConfig) Validate() error {
	if config.Server == nil {
		return errors.NotValidf("nil Server")
	}
	return nil
}

// NewHandler returns the HTTP handler of a server. Control requests are
// posted to "/" and invocations to "/{service}".
func NewHandler(config HandlerConfig) (http.Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	h := &handler{config: config}
	router := mux.NewRouter()
	router.HandleFunc("/", h.serve).Methods(http.MethodPost)
	router.HandleFunc("/{service}", h.serve).Methods(http.MethodPost)
	return router, nil
}

type handler struct {
	config HandlerConfig
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request) {
	var lead [1]byte
	if _, err := io.ReadFull(r.Body, lead[:]); err != nil {
		http.Error(w, "missing request header", http.StatusBadRequest)
		return
	}
	hdr, err := wire.ParseHeader(lead[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if hdr.Flags.Has(wire.RequiresEncryption) {
		http.Error(w, "encryption is provided by TLS", http.StatusBadRequest)
		return
	}
	if name := h.config.AffinityCookie; name != "" {
		if _, err := r.Cookie(name); err != nil {
			http.SetCookie(w, &http.Cookie{Name: name, Value: h.config.Server.InstanceID(), Path: "/"})
		}
	}
	if hdr.Type == wire.Ping {
		// Liveness checks carry no credentials, as over sockets.
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(lead[:])
		return
	}
	if err := h.authenticate(r); err != nil {
		logger.Debugf("rejecting %v from %s: %v", hdr, r.RemoteAddr, err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	if hdr.Type == wire.CreateSession {
		http.Error(w, "sessions are not used over HTTP", http.StatusBadRequest)
		return
	}
	if service := mux.Vars(r)["service"]; service != "" {
		logger.Tracef("%v for service %q", hdr, service)
	}

	var body io.Reader = r.Body
	if hdr.Flags.Has(wire.Compressed) {
		cr := compress.NewReader(r.Body)
		defer func() {
			if err := cr.Finish(); err != nil {
				logger.Debugf("%v", err)
			}
		}()
		body = cr
	}
	resp, err := h.config.Server.Handle(r.Context(), hdr, body)
	if err != nil {
		logger.Debugf("bad %v from %s: %v", hdr, r.RemoteAddr, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if err := wire.WriteResponse(w, resp); err != nil {
		logger.Debugf("writing reply to %s: %v", r.RemoteAddr, err)
	}
}

func (h *handler) authenticate(r *http.Request) error {
	if h.config.Verifier == nil {
		return nil
	}
	user := r.Header.Get(HeaderUser)
	if user == "" {
		return errors.Unauthorizedf("no credentials")
	}
	nonce, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderNonce))
	if err != nil {
		return errors.Annotate(err, "decoding nonce")
	}
	challenge, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderChallenge))
	if err != nil {
		return errors.Annotate(err, "decoding challenge")
	}
	_, err = h.config.Verifier.Verify(user, nonce, challenge)
	return errors.Trace(err)
}
