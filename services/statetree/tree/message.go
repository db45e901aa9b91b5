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
	"slices"
)

// Kind identifies the shape of a Message.
type Kind uint8

const (
	// KindReplace replaces the whole subtree with Value.
	KindReplace Kind = iota

	// KindField forwards Child to the field at index Field.
	KindField

	// KindItem forwards Child to the dynamic element at Index.
	KindItem

	// KindPush appends Value to a dynamic container.
	KindPush

	// KindPop removes the last element of a dynamic container.
	KindPop
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindReplace:
		return "replace"
	case KindField:
		return "field"
	case KindItem:
		return "item"
	case KindPush:
		return "push"
	case KindPop:
		return "pop"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is a decoded mutation aimed at one node. Messages form a chain
// from the node they were decoded at down to the node they change.
//
// Applying the same Replace twice yields the same state. Different messages
// for the same address do not commute.
type Message struct {
	Kind Kind

	// Field is the child index for KindField.
	Field int

	// Name is the child name for KindField.
	Name string

	// Index is the element index for KindItem.
	Index uint32

	// Value is a pointer to the decoded value for KindReplace and KindPush.
	Value any

	// Child is the forwarded message for KindField and KindItem.
	Child *Message
}

// Replace builds a replace message carrying v, which must be a pointer to
// a state value.
func Replace(v any) Message {
	return Message{Kind: KindReplace, Value: v}
}

// FieldMessage builds a message forwarding child to field index i.
func FieldMessage(i int, name string, child Message) Message {
	return Message{Kind: KindField, Field: i, Name: name, Child: &child}
}

// ItemMessage builds a message forwarding child to element index.
func ItemMessage(index uint32, child Message) Message {
	return Message{Kind: KindItem, Index: index, Child: &child}
}

// Targets reports whether m is a field message for one of names.
func (m Message) Targets(names ...string) bool {
	return m.Kind == KindField && slices.Contains(names, m.Name)
}

// Leaf follows the Child chain and returns the innermost message.
func (m Message) Leaf() Message {
	for m.Child != nil {
		m = *m.Child
	}
	return m
}

// String renders the chain, e.g. "field(sum)>replace".
func (m Message) String() string {
	var s string
	switch m.Kind {
	case KindField:
		s = fmt.Sprintf("field(%s)", m.Name)
	case KindItem:
		s = fmt.Sprintf("item(%d)", m.Index)
	default:
		s = m.Kind.String()
	}
	if m.Child != nil {
		s += ">" + m.Child.String()
	}
	return s
}
