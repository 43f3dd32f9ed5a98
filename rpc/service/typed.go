// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/juju/errors"

	coreerrors "github.com/juju/replayrpc/core/errors"
)

// Codec encodes arguments and results. The payload format is opaque to
// the protocol; JSON is the default.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes values as JSON.
type JSONCodec struct{}

// Marshal implements Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, coreerrors.WithKind(errors.Trace(err), coreerrors.SerializationFailed)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return coreerrors.WithKind(errors.Trace(err), coreerrors.SerializationFailed)
	}
	return nil
}

// Typed adapts a typed function into a Func using the JSON codec.
func Typed[A, R any](fn func(context.Context, A) (R, error)) Func {
	var codec JSONCodec
	return func(ctx context.Context, data []byte) ([]byte, error) {
		var args A
		if len(data) > 0 {
			if err := codec.Unmarshal(data, &args); err != nil {
				return nil, errors.Annotate(err, "decoding arguments")
			}
		}
		result, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(result)
	}
}

// TypedMethod builds a Method from a typed function. The parameter type
// name is derived from A.
func TypedMethod[A, R any](serviceName, name string, fn func(context.Context, A) (R, error), faults ...string) Method {
	return Method{
		Service:    serviceName,
		Name:       name,
		ParamTypes: []string{reflect.TypeFor[A]().String()},
		Faults:     faults,
		Func:       Typed(fn),
	}
}
