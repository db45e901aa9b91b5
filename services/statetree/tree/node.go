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
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/AleutianAI/statetree/services/statetree/address"
)

// -----------------------------------------------------------------------------
// Env
// -----------------------------------------------------------------------------

// Env is what every node of one tree shares: where the root lives, where
// emitted packets go, the proxy registry and the error sink.
type Env struct {
	root     func() any
	reporter Reporter
	bindings *Bindings
	sink     func(error)
}

// NewEnv returns an environment. root returns the current root state;
// bindings and sink may be nil.
func NewEnv(root func() any, reporter Reporter, bindings *Bindings, sink func(error)) *Env {
	return &Env{root: root, reporter: reporter, bindings: bindings, sink: sink}
}

// Root returns the current root state, or nil.
func (e *Env) Root() any {
	if e == nil || e.root == nil {
		return nil
	}
	return e.root()
}

// Reporter returns the sink for emitted packets.
func (e *Env) Reporter() Reporter {
	if e == nil {
		return nil
	}
	return e.reporter
}

// Bindings returns the proxy registry, or nil.
func (e *Env) Bindings() *Bindings {
	if e == nil {
		return nil
	}
	return e.bindings
}

// Fail hands err to the error sink and returns it.
func (e *Env) Fail(err error) error {
	if err != nil && e != nil && e.sink != nil {
		e.sink(err)
	}
	return err
}

// WithReporter returns a copy of e that emits into r.
func (e *Env) WithReporter(r Reporter) *Env {
	cp := *e
	cp.reporter = r
	return &cp
}

func (e *Env) report(p address.Packet) error {
	r := e.Reporter()
	if r == nil {
		return e.Fail(fmt.Errorf("emit %s: %w", p.Key, ErrSinkClosed))
	}
	if err := r.Report(p); err != nil {
		return e.Fail(fmt.Errorf("emit %s: %w", p.Key, err))
	}
	return nil
}

func (e *Env) deferred(d Deferred) error {
	if df, ok := e.Reporter().(Deferrer); ok {
		if err := df.Defer(d); err != nil {
			return e.Fail(fmt.Errorf("defer %s: %w", d.Key, err))
		}
		return nil
	}
	if d.Future == nil {
		return e.Fail(fmt.Errorf("defer %s: %w", d.Key, ErrDeferUnsupported))
	}
	go func() {
		payload, err := d.Future(context.Background())
		if err != nil {
			e.Fail(fmt.Errorf("future %s: %w", d.Key, err))
			return
		}
		_ = e.report(address.Packet{Key: d.Key, Payload: payload})
	}()
	return nil
}

// -----------------------------------------------------------------------------
// Accessor and Emitter
// -----------------------------------------------------------------------------

type selector func(root any, tr address.Transient) any

// Accessor is a read capability: it navigates from a root to one node. It
// holds no state and can be reused with any root of the same type.
type Accessor[S any] struct {
	sel selector
}

// Read returns the node under root selected by tr, or the zero S.
func (a Accessor[S]) Read(root any, tr address.Transient) S {
	var zero S
	if a.sel == nil || root == nil {
		return zero
	}
	v, ok := a.sel(root, tr).(S)
	if !ok {
		return zero
	}
	return v
}

// Emitter is a write capability bound to one static address.
type Emitter[S any] struct {
	consist address.Consist
	env     *Env
}

// Emit reports a replace of the node at tr with v.
func (e Emitter[S]) Emit(tr address.Transient, v S) error {
	key := address.Key{Consist: e.consist, Transient: tr}
	payload, err := Marshal(v)
	if err != nil {
		return e.env.Fail(fmt.Errorf("encode %s: %w", key, err))
	}
	return e.env.report(address.Packet{Key: key, Payload: payload})
}

// Send reports a raw payload at delta below the node. Containers use it for
// their control slots.
func (e Emitter[S]) Send(tr address.Transient, delta uint32, payload []byte) error {
	return e.env.report(address.Packet{
		Key:     address.Key{Consist: e.consist.Append(delta), Transient: tr},
		Payload: payload,
	})
}

// -----------------------------------------------------------------------------
// Node
// -----------------------------------------------------------------------------

type core struct {
	sel     selector
	consist address.Consist
	tr      address.Transient
	env     *Env
}

func (c core) read() any {
	root := c.env.Root()
	if root == nil || c.sel == nil {
		return nil
	}
	return c.sel(root, c.tr)
}

func (c core) field(index int, offset uint32) core {
	parent := c.sel
	return core{
		sel: func(root any, tr address.Transient) any {
			comp, ok := parent(root, tr).(Composite)
			if !ok {
				return nil
			}
			fields := comp.Fields()
			if index >= len(fields) {
				return nil
			}
			return fields[index].ptr
		},
		consist: c.consist.Append(offset),
		tr:      c.tr,
		env:     c.env,
	}
}

// Node is a short-lived handle on one address: an accessor, an emitter and
// the transient that selects dynamic elements on the way down. Get reads
// the live state without copying, so nodes are only valid on the engine
// goroutine (inside handlers) or inside a Consensus read.
type Node[S any] struct {
	c core
}

// Root returns the node of the whole tree in env.
func Root[S any](env *Env) Node[S] {
	return Node[S]{c: core{
		sel: func(root any, _ address.Transient) any { return root },
		env: env,
	}}
}

// Get returns the node's current state, or the zero S if it cannot be
// reached.
func (n Node[S]) Get() S {
	v, _ := n.c.read().(S)
	return v
}

// Key returns the node's address.
func (n Node[S]) Key() address.Key {
	return address.Key{Consist: n.c.consist, Transient: n.c.tr}
}

// Transient returns the element indexes selecting this node.
func (n Node[S]) Transient() address.Transient {
	return n.c.tr
}

// Env returns the environment the node reads from and emits into.
func (n Node[S]) Env() *Env {
	return n.c.env
}

// Accessor returns the node's read capability.
func (n Node[S]) Accessor() Accessor[S] {
	return Accessor[S]{sel: n.c.sel}
}

// Emitter returns the node's write capability.
func (n Node[S]) Emitter() Emitter[S] {
	return Emitter[S]{consist: n.c.consist, env: n.c.env}
}

// Emit replaces the node's state with v. Errors are also delivered to the
// environment's error sink.
func (n Node[S]) Emit(v S) error {
	return n.Emitter().Emit(n.c.tr, v)
}

// Send reports a raw payload at delta below this node.
func (n Node[S]) Send(delta uint32, payload []byte) error {
	return n.Emitter().Send(n.c.tr, delta, payload)
}

// EmitFuture emits the value fn returns once it returns. fn runs on its own
// goroutine and must honour ctx; an error drops the emission and reaches
// the error sink.
func (n Node[S]) EmitFuture(fn func(ctx context.Context) (S, error)) error {
	key := n.Key().Clone()
	return n.c.env.deferred(Deferred{
		Key: key,
		Future: func(ctx context.Context) ([]byte, error) {
			v, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			return Marshal(v)
		},
	})
}

// EmitAfter emits v once d has elapsed.
func (n Node[S]) EmitAfter(d time.Duration, v S) error {
	return n.EmitFuture(func(ctx context.Context) (S, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return v, nil
		case <-ctx.Done():
			var zero S
			return zero, ctx.Err()
		}
	})
}

// EmitCarry schedules a replace computed from the node's value at the time
// the emission resolves. dt is the time elapsed since scheduling. fn must
// not mutate cur.
func (n Node[S]) EmitCarry(fn func(cur S, dt time.Duration) S) error {
	key := n.Key().Clone()
	acc := n.Accessor()
	return n.c.env.deferred(Deferred{
		Key: key,
		Carry: func(root any, dt time.Duration) ([]byte, error) {
			return Marshal(fn(acc.Read(root, key.Transient), dt))
		},
	})
}

// Untyped erases the node's state type.
func (n Node[S]) Untyped() Node[any] {
	return Node[any]{c: n.c}
}

// Rebase returns the same address in a different environment.
func (n Node[S]) Rebase(env *Env) Node[S] {
	c := n.c
	c.env = env
	return Node[S]{c: c}
}

// As restores the state type of an untyped node.
func As[S any](n Node[any]) Node[S] {
	return Node[S]{c: n.c}
}

// -----------------------------------------------------------------------------
// Navigation
// -----------------------------------------------------------------------------

func layoutFor[S any]() *layout {
	if l, ok := layouts.Load(reflect.TypeFor[S]()); ok {
		return l.(*layout)
	}
	return layoutOf(Zero[S]())
}

// Child returns the field named name of a composite node. It panics if S
// has no such field.
func Child[C, S any](n Node[S], name string) Node[C] {
	for i, f := range layoutFor[S]().fields {
		if f.Name == name {
			return Node[C]{c: n.c.field(i, f.Offset)}
		}
	}
	panic(fmt.Sprintf("tree: %s has no field %q", reflect.TypeFor[S](), name))
}

// ChildAt returns field i of a composite node.
func ChildAt[C, S any](n Node[S], i int) Node[C] {
	fields := layoutFor[S]().fields
	if i < 0 || i >= len(fields) {
		panic(fmt.Sprintf("tree: %s has no field %d", reflect.TypeFor[S](), i))
	}
	return Node[C]{c: n.c.field(i, fields[i].Offset)}
}

// Descend returns the static child of a container at delta, selected by
// sel. sel receives the zero S when the parent cannot be reached.
func Descend[C, S any](n Node[S], delta uint32, sel func(S) C) Node[C] {
	parent := n.c.sel
	return Node[C]{c: core{
		sel: func(root any, tr address.Transient) any {
			p, _ := parent(root, tr).(S)
			return sel(p)
		},
		consist: n.c.consist.Append(delta),
		tr:      n.c.tr,
		env:     n.c.env,
	}}
}

// DescendAlt returns the dynamic element index of a container whose element
// range starts at delta. The element index becomes the next transient
// entry; sel receives it at read time.
func DescendAlt[C, S any](n Node[S], delta, index uint32, sel func(S, uint32) C) Node[C] {
	parent := n.c.sel
	depth := len(n.c.tr)
	return Node[C]{c: core{
		sel: func(root any, tr address.Transient) any {
			p, _ := parent(root, tr).(S)
			if depth >= len(tr) {
				return nil
			}
			return sel(p, tr[depth])
		},
		consist: n.c.consist.Append(delta),
		tr:      n.c.tr.Append(index),
		env:     n.c.env,
	}}
}
