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
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// -----------------------------------------------------------------------------
// State capabilities
// -----------------------------------------------------------------------------

// Composite is implemented by pointer types of fixed struct states. Fields
// must return the children in declaration order; the order defines every
// descendant's static address and must not change between calls.
type Composite interface {
	Fields() []Field
}

// Container is implemented by pointer types that define their own
// addressing sub-protocol: leaves, dynamic lists, optionals and proxies.
// New container kinds only need to implement this interface.
//
// Replace messages are handled by the package for every state; a Container
// only sees the other kinds.
type Container interface {
	// NodeSize is the number of static slots the node and its static
	// descendants occupy, including the node itself. It must not depend on
	// runtime data.
	NodeSize() uint32

	// AltSize is the number of dynamic indexing dimensions the node
	// introduces.
	AltSize() int

	// DecodeMessage decodes a packet whose remaining path is non-empty.
	DecodeMessage(d *Decoder) (Message, error)

	// ApplyMessage applies a message produced by DecodeMessage.
	ApplyMessage(msg Message) error

	// EncodeMessage extends e with the message's address and returns its
	// payload.
	EncodeMessage(msg Message, e *Encoder) ([]byte, error)

	// Forward is the fallback dispatch for msg: it invokes the handlers of
	// the children the message touched.
	Forward(n Node[any], msg Message, elapsed time.Duration)
}

// Opaque is implemented by containers that hold no value of their own,
// such as proxies. A packet addressed to the container itself is an
// address error.
type Opaque interface {
	Opaque()
}

// Field describes one child of a Composite. Build it with FieldOf.
type Field struct {
	name    string
	ptr     any
	forward func(parent core, index int, offset uint32, msg Message, elapsed time.Duration)
}

// FieldOf declares a child named name stored at ptr. C is the child's
// pointer type; capturing it here lets handlers on the child be found
// without reflection.
func FieldOf[C any](name string, ptr C) Field {
	return Field{
		name: name,
		ptr:  ptr,
		forward: func(parent core, index int, offset uint32, msg Message, elapsed time.Duration) {
			Dispatch(Node[C]{c: parent.field(index, offset)}, msg, elapsed)
		},
	}
}

// Name returns the field name.
func (f Field) Name() string {
	return f.name
}

// State returns the pointer to the child state.
func (f Field) State() any {
	return f.ptr
}

// -----------------------------------------------------------------------------
// Layout
// -----------------------------------------------------------------------------

// layout is the static shape of one state type, computed once per type.
type layout struct {
	size   uint32
	alt    int
	fields []FieldInfo
}

// FieldInfo describes the static range a composite field occupies.
type FieldInfo struct {
	Name   string
	Offset uint32
	Size   uint32
}

var layouts sync.Map // reflect.Type -> *layout

// layoutOf returns the cached layout of s. Recursive state types have no
// finite static size and are not supported.
func layoutOf(s any) *layout {
	t := reflect.TypeOf(s)
	if l, ok := layouts.Load(t); ok {
		return l.(*layout)
	}
	l := computeLayout(s)
	actual, _ := layouts.LoadOrStore(t, l)
	return actual.(*layout)
}

func computeLayout(s any) *layout {
	switch v := s.(type) {
	case Container:
		return &layout{size: v.NodeSize(), alt: v.AltSize()}
	case Composite:
		fields := v.Fields()
		l := &layout{size: 1, fields: make([]FieldInfo, 0, len(fields))}
		for _, f := range fields {
			if !IsState(f.ptr) {
				panic(fmt.Sprintf("tree: field %q of %T is %T, which is not a state", f.name, s, f.ptr))
			}
			child := layoutOf(f.ptr)
			l.fields = append(l.fields, FieldInfo{Name: f.name, Offset: l.size, Size: child.size})
			l.size += child.size
			l.alt = max(l.alt, child.alt)
		}
		return l
	default:
		panic(fmt.Sprintf("tree: %T is not a state", s))
	}
}

// IsState reports whether s implements Composite or Container.
func IsState(s any) bool {
	switch s.(type) {
	case Container, Composite:
		return true
	default:
		return false
	}
}

// SizeOf returns the static node-size of s.
func SizeOf(s any) uint32 {
	return layoutOf(s).size
}

// AltSizeOf returns the number of dynamic dimensions s introduces.
func AltSizeOf(s any) int {
	return layoutOf(s).alt
}

// Describe returns the field ranges of a composite, or nil for containers.
func Describe(s any) []FieldInfo {
	fields := layoutOf(s).fields
	if fields == nil {
		return nil
	}
	out := make([]FieldInfo, len(fields))
	copy(out, fields)
	return out
}

// Zero allocates a default value of the state pointer type S.
func Zero[S any]() S {
	t := reflect.TypeFor[S]()
	if t.Kind() != reflect.Pointer {
		panic(fmt.Sprintf("tree: state type %s must be a pointer", t))
	}
	return reflect.New(t.Elem()).Interface().(S)
}

// New allocates a default value of the same type as the state pointer s.
func New(s any) any {
	return reflect.New(reflect.TypeOf(s).Elem()).Interface()
}

// assign copies the value behind src into dst. Both must be pointers to
// the same type.
func assign(dst, src any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("%w: cannot replace %T", ErrUnexpectedMessage, dst)
	}
	if src == nil {
		dv.Elem().SetZero()
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type() != dv.Type() {
		return fmt.Errorf("%w: cannot replace %T with %T", ErrUnexpectedMessage, dst, src)
	}
	if sv.IsNil() {
		dv.Elem().SetZero()
		return nil
	}
	dv.Elem().Set(sv.Elem())
	return nil
}

// -----------------------------------------------------------------------------
// Serialization
// -----------------------------------------------------------------------------

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("tree: cbor encoding options: %v", err))
	}
	return em
}

// Marshal serializes a state value. Encoding is deterministic, so equal
// states produce equal bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal deserializes data produced by Marshal into v.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
