// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package containers

import (
	"bytes"
	"fmt"
	"time"

	"github.com/AleutianAI/statetree/services/statetree/tree"
)

const (
	optionalPresent uint32 = 1
	optionalItem    uint32 = 2

	fieldPresent = 0
	fieldItem    = 1
)

// cborNull is the encoding of an absent optional.
var cborNull = []byte{0xf6}

// Optional is either absent or holds a T. *T must be a state.
//
// Turning presence on from off resets the item to its zero value. Item
// messages while absent are accepted and ignored.
type Optional[T any] struct {
	present tree.Leaf[bool]
	item    T
}

// Some returns a present optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{present: tree.LeafOf(true), item: v}
}

// Present reports whether the optional holds a value.
func (o *Optional[T]) Present() bool {
	return o != nil && o.present.Get()
}

// Get returns the held value if present.
func (o *Optional[T]) Get() (*T, bool) {
	if !o.Present() {
		return nil, false
	}
	return &o.item, true
}

// MarshalCBOR encodes null when absent, the item otherwise.
func (o Optional[T]) MarshalCBOR() ([]byte, error) {
	if !o.present.Get() {
		return cborNull, nil
	}
	return tree.Marshal(&o.item)
}

// UnmarshalCBOR decodes null as absent.
func (o *Optional[T]) UnmarshalCBOR(data []byte) error {
	var zero T
	if bytes.Equal(data, cborNull) {
		o.present = tree.LeafOf(false)
		o.item = zero
		return nil
	}
	item := zero
	if err := tree.Unmarshal(data, &item); err != nil {
		return err
	}
	o.present = tree.LeafOf(true)
	o.item = item
	return nil
}

// NodeSize implements tree.Container.
func (*Optional[T]) NodeSize() uint32 {
	return optionalItem + tree.SizeOf(new(T))
}

// AltSize implements tree.Container.
func (*Optional[T]) AltSize() int {
	return tree.AltSizeOf(new(T))
}

// DecodeMessage implements tree.Container.
func (o *Optional[T]) DecodeMessage(d *tree.Decoder) (tree.Message, error) {
	head := d.Head()
	switch {
	case head == optionalPresent:
		d.Enter(optionalPresent)
		child, err := tree.DecodeState(new(tree.Leaf[bool]), d)
		if err != nil {
			return tree.Message{}, err
		}
		return tree.FieldMessage(fieldPresent, "present", child), nil

	case head >= optionalItem && head < optionalItem+tree.SizeOf(new(T)):
		d.Enter(optionalItem)
		item := new(T)
		if o != nil {
			item = &o.item
		}
		child, err := tree.DecodeState(item, d)
		if err != nil {
			return tree.Message{}, err
		}
		return tree.FieldMessage(fieldItem, "item", child), nil

	default:
		return tree.Message{}, d.Unknown("no optional slot owns delta")
	}
}

// ApplyMessage implements tree.Container.
func (o *Optional[T]) ApplyMessage(msg tree.Message) error {
	if msg.Kind != tree.KindField || msg.Child == nil {
		return fmt.Errorf("%w: %s on %T", tree.ErrUnexpectedMessage, msg.Kind, o)
	}
	switch msg.Field {
	case fieldPresent:
		was := o.present.Get()
		if err := tree.Apply(&o.present, *msg.Child); err != nil {
			return err
		}
		if !was && o.present.Get() {
			var zero T
			o.item = zero
		}
		return nil
	case fieldItem:
		if !o.present.Get() {
			return nil
		}
		return tree.Apply(&o.item, *msg.Child)
	default:
		return fmt.Errorf("%w: field %d of %T", tree.ErrUnexpectedMessage, msg.Field, o)
	}
}

// EncodeMessage implements tree.Container.
func (o *Optional[T]) EncodeMessage(msg tree.Message, e *tree.Encoder) ([]byte, error) {
	if msg.Kind != tree.KindField || msg.Child == nil {
		return nil, fmt.Errorf("%w: %s on %T", tree.ErrUnexpectedMessage, msg.Kind, o)
	}
	switch msg.Field {
	case fieldPresent:
		e.Enter(optionalPresent)
		return tree.EncodeState(new(tree.Leaf[bool]), *msg.Child, e)
	case fieldItem:
		e.Enter(optionalItem)
		return tree.EncodeState(new(T), *msg.Child, e)
	default:
		return nil, fmt.Errorf("%w: field %d of %T", tree.ErrUnexpectedMessage, msg.Field, o)
	}
}

// Forward implements tree.Container. Messages reach the item only while it
// is present.
func (*Optional[T]) Forward(n tree.Node[any], msg tree.Message, elapsed time.Duration) {
	opt := tree.As[*Optional[T]](n)
	present := opt.Get().Present()

	switch msg.Kind {
	case tree.KindField:
		if msg.Child == nil {
			return
		}
		switch msg.Field {
		case fieldPresent:
			tree.Dispatch(Presence(opt), *msg.Child, elapsed)
		case fieldItem:
			if present {
				tree.Dispatch(Inner(opt), *msg.Child, elapsed)
			}
		}
	case tree.KindReplace:
		p := Presence(opt)
		tree.Dispatch(p, tree.Replace(p.Get()), elapsed)
		if present {
			in := Inner(opt)
			tree.Dispatch(in, tree.Replace(in.Get()), elapsed)
		}
	}
}

// -----------------------------------------------------------------------------
// Nodes
// -----------------------------------------------------------------------------

// Presence returns the presence flag node of the optional at n.
func Presence[T any](n tree.Node[*Optional[T]]) tree.Node[*tree.Leaf[bool]] {
	return tree.Descend(n, optionalPresent, func(o *Optional[T]) *tree.Leaf[bool] {
		if o == nil {
			return nil
		}
		return &o.present
	})
}

// Inner returns the item node of the optional at n. Reading it while the
// optional is absent yields the retained storage.
func Inner[T any](n tree.Node[*Optional[T]]) tree.Node[*T] {
	return tree.Descend(n, optionalItem, func(o *Optional[T]) *T {
		if o == nil {
			return nil
		}
		return &o.item
	})
}

// SetPresent emits a change of presence for the optional at n.
func SetPresent[T any](n tree.Node[*Optional[T]], on bool) error {
	return tree.Set(Presence(n), on)
}
