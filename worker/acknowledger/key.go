// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package acknowledger

import (
	"context"
	"strings"

	"github.com/juju/collections/set"

	"github.com/juju/replayrpc/core/requestid"
)

// Sender delivers one acknowledgment batch to the server it was issued by.
type Sender interface {
	SendAcknowledgment(ctx context.Context, ids []requestid.ID) error
}

// Key groups acknowledgments that can travel in one batch: the same
// endpoint reached with the same session affinity.
type Key struct {
	endpoint string
	affinity string
}

// NewKey returns the batch key of endpoint. Affinity tokens, such as
// sticky-session cookies, are order insensitive.
func NewKey(endpoint string, affinity ...string) Key {
	return Key{
		endpoint: endpoint,
		affinity: strings.Join(set.NewStrings(affinity...).SortedValues(), ";"),
	}
}

// Endpoint returns the endpoint the batch is routed to.
func (k Key) Endpoint() string {
	return k.endpoint
}

// String implements fmt.Stringer.
func (k Key) String() string {
	if k.affinity == "" {
		return k.endpoint
	}
	return k.endpoint + "[" + k.affinity + "]"
}
