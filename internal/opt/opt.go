// Package opt provides an explicit present/absent wrapper for optional fields.
package opt

import (
	"bytes"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Value holds either a T or nothing.
type Value[T any] struct {
	v  T
	ok bool
}

// Some wraps v as a present value.
func Some[T any](v T) Value[T] {
	return Value[T]{v: v, ok: true}
}

// None returns an absent value.
func None[T any]() Value[T] {
	return Value[T]{}
}

// Get returns the wrapped value and whether it is present.
func (o Value[T]) Get() (T, bool) {
	return o.v, o.ok
}

// Present reports whether a value is set.
func (o Value[T]) Present() bool { return o.ok }

// IsZero lets encoding/json omit absent values with the omitzero tag.
func (o Value[T]) IsZero() bool { return !o.ok }

// Or returns the wrapped value or def when absent.
func (o Value[T]) Or(def T) T {
	if o.ok {
		return o.v
	}
	return def
}

func (o Value[T]) MarshalJSON() ([]byte, error) {
	if !o.ok {
		return []byte("null"), nil
	}
	return json.Marshal(o.v)
}

func (o *Value[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Value[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

var cborNull = []byte{0xf6}

func (o Value[T]) MarshalCBOR() ([]byte, error) {
	if !o.ok {
		return cborNull, nil
	}
	return cbor.Marshal(o.v)
}

func (o *Value[T]) UnmarshalCBOR(data []byte) error {
	if len(data) == 1 && (data[0] == 0xf6 || data[0] == 0xf7) {
		*o = Value[T]{}
		return nil
	}
	var v T
	if err := cbor.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}
