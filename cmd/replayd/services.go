// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"strings"

	"github.com/juju/replayrpc/rpc/service"
	"github.com/juju/replayrpc/rpc/wire"
)

// CodeEmpty is the fault raised by Echo.Shout for an empty message.
const CodeEmpty = "empty-message"

// echoMethods are served by every daemon so clients can check their
// wiring end to end.
func echoMethods() []service.Method {
	return []service.Method{
		service.TypedMethod("Echo", "Echo", func(_ context.Context, msg string) (string, error) {
			return msg, nil
		}),
		service.TypedMethod("Echo", "Shout", func(_ context.Context, msg string) (string, error) {
			if msg == "" {
				return "", wire.NewFault(CodeEmpty, "nothing to shout")
			}
			return strings.ToUpper(msg), nil
		}, CodeEmpty),
	}
}
