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
	"fmt"
	"time"

	"github.com/AleutianAI/statetree/services/statetree/tree"
)

// Static slots of a list, relative to the list itself.
const (
	listPush    uint32 = 1
	listPop     uint32 = 2
	listElement uint32 = 3
)

// ItemSlack is how far past the current length an item write may reach.
// Writes further out are address errors.
var ItemSlack uint32 = 64

// List is a dynamically sized sequence of T. *T must be a state.
//
// Elements share one static range; the element index travels in the
// packet's transient. Pop keeps the backing storage, and a later push
// overwrites the retained slot.
type List[T any] struct {
	items []T
	n     int
}

// ListOf returns a list holding items.
func ListOf[T any](items ...T) List[T] {
	return List[T]{items: items, n: len(items)}
}

// Len returns the number of live elements.
func (l *List[T]) Len() int {
	if l == nil {
		return 0
	}
	return l.n
}

// At returns a pointer to element i, or nil if i is out of range.
func (l *List[T]) At(i int) *T {
	if l == nil || i < 0 || i >= l.n {
		return nil
	}
	return &l.items[i]
}

// Items returns the live elements. The slice aliases the list.
func (l *List[T]) Items() []T {
	if l == nil {
		return nil
	}
	return l.items[:l.n]
}

// peek is the element selector used by nodes. Out of range indexes read as
// a detached zero value.
func (l *List[T]) peek(i uint32) *T {
	if l == nil || int64(i) >= int64(l.n) {
		return new(T)
	}
	return &l.items[i]
}

// MarshalCBOR encodes the live elements as an array.
func (l List[T]) MarshalCBOR() ([]byte, error) {
	items := l.items[:l.n]
	if items == nil {
		items = []T{}
	}
	return tree.Marshal(items)
}

// UnmarshalCBOR decodes an array of elements.
func (l *List[T]) UnmarshalCBOR(data []byte) error {
	var items []T
	if err := tree.Unmarshal(data, &items); err != nil {
		return err
	}
	l.items = items
	l.n = len(items)
	return nil
}

// NodeSize implements tree.Container.
func (*List[T]) NodeSize() uint32 {
	return listElement + tree.SizeOf(new(T))
}

// AltSize implements tree.Container.
func (*List[T]) AltSize() int {
	return 1 + tree.AltSizeOf(new(T))
}

// DecodeMessage implements tree.Container.
func (l *List[T]) DecodeMessage(d *tree.Decoder) (tree.Message, error) {
	head := d.Head()
	switch {
	case head == listPush:
		if !d.Last() {
			return tree.Message{}, d.Unknown("push slot has no children")
		}
		d.Enter(listPush)
		v := new(T)
		if err := d.UnmarshalPayload(v); err != nil {
			return tree.Message{}, err
		}
		return tree.Message{Kind: tree.KindPush, Value: v}, nil

	case head == listPop:
		if !d.Last() {
			return tree.Message{}, d.Unknown("pop slot has no children")
		}
		d.Enter(listPop)
		return tree.Message{Kind: tree.KindPop}, nil

	case head >= listElement && head < listElement+tree.SizeOf(new(T)):
		d.Enter(listElement)
		index, err := d.NextAlt()
		if err != nil {
			return tree.Message{}, err
		}
		if !l.reachable(index) {
			return tree.Message{}, d.Unknown(fmt.Sprintf("item %d past length %d", index, l.Len()))
		}
		child, err := tree.DecodeState(l.peek(index), d)
		if err != nil {
			return tree.Message{}, err
		}
		return tree.ItemMessage(index, child), nil

	default:
		return tree.Message{}, d.Unknown("no list slot owns delta")
	}
}

// ApplyMessage implements tree.Container.
func (l *List[T]) ApplyMessage(msg tree.Message) error {
	switch msg.Kind {
	case tree.KindPush:
		v, ok := msg.Value.(*T)
		if !ok {
			return fmt.Errorf("%w: push of %T on %T", tree.ErrUnexpectedMessage, msg.Value, l)
		}
		if l.n < len(l.items) {
			l.items[l.n] = *v
		} else {
			l.items = append(l.items, *v)
		}
		l.n++
		return nil

	case tree.KindPop:
		if l.n > 0 {
			l.n--
		}
		return nil

	case tree.KindItem:
		if msg.Child == nil {
			return fmt.Errorf("%w: item without child on %T", tree.ErrUnexpectedMessage, l)
		}
		if !l.reachable(msg.Index) {
			return fmt.Errorf("%w: item %d past length %d of %T", tree.ErrUnknownAddress, msg.Index, l.n, l)
		}
		l.grow(int(msg.Index) + 1)
		return tree.Apply(&l.items[msg.Index], *msg.Child)

	default:
		return fmt.Errorf("%w: %s on %T", tree.ErrUnexpectedMessage, msg.Kind, l)
	}
}

// reachable reports whether an item write at index is within ItemSlack of
// the length.
func (l *List[T]) reachable(index uint32) bool {
	return uint64(index) < uint64(l.Len())+uint64(ItemSlack)
}

// grow extends the backing storage to at least size slots without
// changing the length.
func (l *List[T]) grow(size int) {
	if size > len(l.items) {
		l.items = append(l.items, make([]T, size-len(l.items))...)
	}
}

// EncodeMessage implements tree.Container.
func (l *List[T]) EncodeMessage(msg tree.Message, e *tree.Encoder) ([]byte, error) {
	switch msg.Kind {
	case tree.KindPush:
		e.Enter(listPush)
		return tree.Marshal(msg.Value)
	case tree.KindPop:
		e.Enter(listPop)
		return tree.Marshal(nil)
	case tree.KindItem:
		if msg.Child == nil {
			return nil, fmt.Errorf("%w: item without child on %T", tree.ErrUnexpectedMessage, l)
		}
		e.Enter(listElement)
		e.PushAlt(msg.Index)
		return tree.EncodeState(new(T), *msg.Child, e)
	default:
		return nil, fmt.Errorf("%w: %s on %T", tree.ErrUnexpectedMessage, msg.Kind, l)
	}
}

// Forward implements tree.Container. Item messages go to the element when
// it is live, a push announces the new element with a replace, and a
// replace of the whole list reaches every live element.
func (*List[T]) Forward(n tree.Node[any], msg tree.Message, elapsed time.Duration) {
	list := tree.As[*List[T]](n)
	switch msg.Kind {
	case tree.KindItem:
		if msg.Child != nil && int64(msg.Index) < int64(list.Get().Len()) {
			tree.Dispatch(Element(list, msg.Index), *msg.Child, elapsed)
		}
	case tree.KindPush:
		if last := list.Get().Len() - 1; last >= 0 {
			el := Element(list, uint32(last))
			tree.Dispatch(el, tree.Replace(el.Get()), elapsed)
		}
	case tree.KindReplace:
		for i := range list.Get().Len() {
			el := Element(list, uint32(i))
			tree.Dispatch(el, tree.Replace(el.Get()), elapsed)
		}
	}
}

// -----------------------------------------------------------------------------
// Nodes
// -----------------------------------------------------------------------------

// Element returns the node of element i of the list at n.
func Element[T any](n tree.Node[*List[T]], i uint32) tree.Node[*T] {
	return tree.DescendAlt(n, listElement, i, (*List[T]).peek)
}

// Push emits an append of v to the list at n.
func Push[T any](n tree.Node[*List[T]], v T) error {
	payload, err := tree.Marshal(&v)
	if err != nil {
		return n.Env().Fail(fmt.Errorf("encode push at %s: %w", n.Key(), err))
	}
	return n.Send(listPush, payload)
}

// Pop emits removal of the last element of the list at n.
func Pop[T any](n tree.Node[*List[T]]) error {
	payload, err := tree.Marshal(nil)
	if err != nil {
		return n.Env().Fail(err)
	}
	return n.Send(listPop, payload)
}

// Len returns the current length of the list at n.
func Len[T any](n tree.Node[*List[T]]) int {
	return n.Get().Len()
}
