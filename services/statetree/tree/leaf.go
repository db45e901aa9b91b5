// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Leaf is a state holding a single serializable value. It occupies one
// slot and can only be replaced as a whole.
type Leaf[T any] struct {
	v T
}

// LeafOf returns a leaf holding v.
func LeafOf[T any](v T) Leaf[T] {
	return Leaf[T]{v: v}
}

// Get returns the held value.
func (l Leaf[T]) Get() T {
	return l.v
}

// String formats the held value.
func (l Leaf[T]) String() string {
	return fmt.Sprint(l.v)
}

// MarshalCBOR encodes the held value.
func (l Leaf[T]) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(l.v)
}

// UnmarshalCBOR decodes into the held value.
func (l *Leaf[T]) UnmarshalCBOR(data []byte) error {
	return cbor.Unmarshal(data, &l.v)
}

// NodeSize implements Container.
func (*Leaf[T]) NodeSize() uint32 { return 1 }

// AltSize implements Container.
func (*Leaf[T]) AltSize() int { return 0 }

// DecodeMessage implements Container. A leaf has no slots below itself.
func (*Leaf[T]) DecodeMessage(d *Decoder) (Message, error) {
	return Message{}, d.Unknown("leaf has no children")
}

// ApplyMessage implements Container.
func (l *Leaf[T]) ApplyMessage(msg Message) error {
	return fmt.Errorf("%w: %s on %T", ErrUnexpectedMessage, msg.Kind, l)
}

// EncodeMessage implements Container.
func (l *Leaf[T]) EncodeMessage(msg Message, _ *Encoder) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s on %T", ErrUnexpectedMessage, msg.Kind, l)
}

// Forward implements Container. Leaves have no children.
func (*Leaf[T]) Forward(Node[any], Message, time.Duration) {}

// Set emits a replace of the leaf at n with v.
func Set[T any](n Node[*Leaf[T]], v T) error {
	l := LeafOf(v)
	return n.Emit(&l)
}

// Value returns the value of the leaf at n, or the zero T.
func Value[T any](n Node[*Leaf[T]]) T {
	if l := n.Get(); l != nil {
		return l.v
	}
	var zero T
	return zero
}
