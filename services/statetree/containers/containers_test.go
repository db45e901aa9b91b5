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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statetree/services/statetree/address"
	"github.com/AleutianAI/statetree/services/statetree/tree"
)

type world struct {
	Counter tree.Leaf[int]
	Items   List[tree.Leaf[int]]
	Focus   Optional[tree.Leaf[string]]
	Mirror  Proxy[tree.Leaf[int]]
}

func (w *world) Fields() []tree.Field {
	return []tree.Field{
		tree.FieldOf("counter", &w.Counter),
		tree.FieldOf("items", &w.Items),
		tree.FieldOf("focus", &w.Focus),
		tree.FieldOf("mirror", &w.Mirror),
	}
}

var tickLog []string

type tick struct {
	tree.Leaf[int]
}

func (*tick) Handle(n tree.Node[*tick], msg tree.Message, _ time.Duration) {
	tickLog = append(tickLog, n.Key().String()+" "+msg.String())
}

// harness applies emitted packets to root the way an engine would, without
// dedup or handlers.
type harness struct {
	t       *testing.T
	root    any
	env     *tree.Env
	pending []address.Packet
	errs    []error
}

func newHarness(t *testing.T, root any) *harness {
	h := &harness{t: t, root: root}
	h.env = tree.NewEnv(
		func() any { return root },
		tree.ReporterFunc(func(p address.Packet) error {
			h.pending = append(h.pending, p)
			return nil
		}),
		tree.NewBindings(),
		func(err error) { h.errs = append(h.errs, err) },
	)
	return h
}

func (h *harness) pump() {
	h.t.Helper()
	for len(h.pending) > 0 {
		p := h.pending[0]
		h.pending = h.pending[1:]
		msg, err := tree.Decode(h.root, p)
		require.NoError(h.t, err)
		require.NoError(h.t, tree.Apply(h.root, msg))
	}
}

func worldNodes(env *tree.Env) (tree.Node[*world], tree.Node[*List[tree.Leaf[int]]], tree.Node[*Optional[tree.Leaf[string]]]) {
	root := tree.Root[*world](env)
	return root,
		tree.Child[*List[tree.Leaf[int]]](root, "items"),
		tree.Child[*Optional[tree.Leaf[string]]](root, "focus")
}

func TestSizes(t *testing.T) {
	t.Run("list is three control slots plus element", func(t *testing.T) {
		assert.Equal(t, uint32(4), tree.SizeOf(&List[tree.Leaf[int]]{}))
		assert.Equal(t, 1, tree.AltSizeOf(&List[tree.Leaf[int]]{}))
	})

	t.Run("nested lists add a dimension, not address space", func(t *testing.T) {
		assert.Equal(t, uint32(7), tree.SizeOf(&List[List[tree.Leaf[int]]]{}))
		assert.Equal(t, 2, tree.AltSizeOf(&List[List[tree.Leaf[int]]]{}))
	})

	t.Run("composite of containers", func(t *testing.T) {
		assert.Equal(t, uint32(1+1+4+3+1), tree.SizeOf(&world{}))
		assert.Equal(t, 1, tree.AltSizeOf(&world{}))
		assert.Equal(t, uint32(3), tree.SizeOf(&Optional[tree.Leaf[string]]{}))
		assert.Equal(t, uint32(1), tree.SizeOf(&Proxy[tree.Leaf[int]]{}))
	})
}

// -----------------------------------------------------------------------------
// List
// -----------------------------------------------------------------------------

func TestList_PushPop(t *testing.T) {
	w := &world{}
	h := newHarness(t, w)
	_, items, _ := worldNodes(h.env)

	require.NoError(t, Push(items, tree.LeafOf(4)))
	require.Len(t, h.pending, 1)
	assert.Equal(t, address.Consist{2, 1}, h.pending[0].Key.Consist)
	h.pump()

	assert.Equal(t, 1, Len(items))
	assert.Equal(t, 4, tree.Value(Element(items, 0)))

	t.Run("push then pop restores length", func(t *testing.T) {
		require.NoError(t, Push(items, tree.LeafOf(5)))
		require.NoError(t, Pop(items))
		h.pump()
		assert.Equal(t, 1, Len(items))
	})

	t.Run("re-push reuses the retained slot", func(t *testing.T) {
		require.NoError(t, Push(items, tree.LeafOf(9)))
		h.pump()
		assert.Equal(t, 2, Len(items))
		assert.Equal(t, 9, w.Items.At(1).Get())
		assert.Len(t, w.Items.items, 2)
	})

	t.Run("pop on empty is a no-op", func(t *testing.T) {
		for range 4 {
			require.NoError(t, Pop(items))
		}
		h.pump()
		assert.Equal(t, 0, Len(items))
		assert.Empty(t, w.Items.Items())
	})
}

func TestList_Element(t *testing.T) {
	w := &world{Items: ListOf(tree.LeafOf(1), tree.LeafOf(2))}
	h := newHarness(t, w)
	_, items, _ := worldNodes(h.env)

	el := Element(items, 1)
	assert.Equal(t, address.Key{Consist: address.Consist{2, 3}, Transient: address.Transient{1}}, el.Key())

	require.NoError(t, tree.Set(el, 20))
	h.pump()
	assert.Equal(t, 20, w.Items.At(1).Get())
	assert.Equal(t, 1, w.Items.At(0).Get())

	t.Run("out of range reads a detached zero", func(t *testing.T) {
		far := Element(items, 7)
		require.NotNil(t, far.Get())
		assert.Equal(t, 0, tree.Value(far))
		assert.Nil(t, w.Items.At(7))
	})

	t.Run("item beyond length grows storage only", func(t *testing.T) {
		require.NoError(t, tree.Set(Element(items, 4), 40))
		h.pump()
		assert.Equal(t, 2, w.Items.Len())
		assert.Len(t, w.Items.items, 5)
		assert.Equal(t, 0, tree.Value(Element(items, 4)))
	})

	t.Run("index far past length is an address error", func(t *testing.T) {
		backing := len(w.Items.items)
		_, err := tree.Decode(w, address.Packet{
			Key:     address.Key{Consist: address.Consist{2, 3}, Transient: address.Transient{1 << 24}},
			Payload: []byte{0x01},
		})
		var addrErr *tree.AddressError
		require.True(t, errors.As(err, &addrErr))
		assert.Contains(t, addrErr.Reason, "past length")

		v := tree.LeafOf(1)
		err = tree.Apply(w, tree.FieldMessage(1, "items", tree.ItemMessage(1<<24, tree.Replace(&v))))
		assert.ErrorIs(t, err, tree.ErrUnknownAddress)
		assert.Len(t, w.Items.items, backing)
	})

	t.Run("missing transient is an address error", func(t *testing.T) {
		_, err := tree.Decode(w, address.Packet{Key: address.Key{Consist: address.Consist{2, 3}}})
		assert.ErrorIs(t, err, tree.ErrUnknownAddress)
	})
}

func TestList_Nested(t *testing.T) {
	root := &List[List[tree.Leaf[int]]]{}
	h := newHarness(t, root)
	outer := tree.Root[*List[List[tree.Leaf[int]]]](h.env)

	require.NoError(t, Push(outer, ListOf(tree.LeafOf(1))))
	h.pump()

	inner := Element(outer, 0)
	require.NoError(t, Push(inner, tree.LeafOf(2)))
	require.Len(t, h.pending, 1)
	assert.Equal(t, address.Key{Consist: address.Consist{3, 1}, Transient: address.Transient{0}}, h.pending[0].Key)
	h.pump()

	leaf := Element(inner, 1)
	assert.Equal(t, address.Key{Consist: address.Consist{3, 3}, Transient: address.Transient{0, 1}}, leaf.Key())
	assert.Equal(t, 2, tree.Value(leaf))
	assert.Equal(t, 1, tree.Value(Element(inner, 0)))
}

func TestList_EncodeRoundTrip(t *testing.T) {
	v := tree.LeafOf(3)
	msg := tree.FieldMessage(1, "items", tree.ItemMessage(2, tree.Replace(&v)))

	p, err := tree.Encode(&world{}, msg)
	require.NoError(t, err)
	assert.Equal(t, address.Consist{2, 3}, p.Key.Consist)
	assert.Equal(t, address.Transient{2}, p.Key.Transient)

	back, err := tree.Decode(&world{}, p)
	require.NoError(t, err)
	assert.Equal(t, "field(items)>item(2)>replace", back.String())
}

func TestList_CBOR(t *testing.T) {
	l := ListOf(tree.LeafOf(1), tree.LeafOf(2))
	got, err := tree.Marshal(l)
	require.NoError(t, err)
	want, err := tree.Marshal([]int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	var back List[tree.Leaf[int]]
	require.NoError(t, tree.Unmarshal(got, &back))
	assert.Equal(t, 2, back.Len())
	assert.Equal(t, 2, back.At(1).Get())
}

func TestList_Forward(t *testing.T) {
	root := &List[tick]{}
	h := newHarness(t, root)
	n := tree.Root[*List[tick]](h.env)

	require.NoError(t, Push(n, tick{}))
	msgs := h.pending
	h.pump()

	tickLog = nil
	msg, err := tree.Decode(root, msgs[0])
	require.NoError(t, err)
	tree.Dispatch(n, msg, 0)
	assert.Equal(t, []string{"/3[0] replace"}, tickLog)

	tickLog = nil
	tree.Dispatch(n, tree.ItemMessage(0, tree.Replace(&tick{})), 0)
	assert.Equal(t, []string{"/3[0] replace"}, tickLog)

	tickLog = nil
	tree.Dispatch(n, tree.Message{Kind: tree.KindPop}, 0)
	assert.Empty(t, tickLog)

	t.Run("item write past length reaches no handler", func(t *testing.T) {
		tickLog = nil
		five := tick{Leaf: tree.LeafOf(5)}
		msg := tree.ItemMessage(3, tree.Replace(&five))
		require.NoError(t, tree.Apply(root, msg))
		tree.Dispatch(n, msg, 0)
		assert.Empty(t, tickLog)
		assert.Equal(t, 1, root.Len())
	})
}

// -----------------------------------------------------------------------------
// Optional
// -----------------------------------------------------------------------------

func TestOptional_Transitions(t *testing.T) {
	w := &world{}
	h := newHarness(t, w)
	_, _, focus := worldNodes(h.env)

	t.Run("item writes while absent are ignored", func(t *testing.T) {
		require.NoError(t, tree.Set(Inner(focus), "early"))
		h.pump()
		_, ok := w.Focus.Get()
		assert.False(t, ok)
	})

	t.Run("present then write", func(t *testing.T) {
		require.NoError(t, SetPresent(focus, true))
		assert.Equal(t, address.Consist{6, 1}, h.pending[0].Key.Consist)
		require.NoError(t, tree.Set(Inner(focus), "hello"))
		h.pump()

		v, ok := w.Focus.Get()
		require.True(t, ok)
		assert.Equal(t, "hello", v.Get())
	})

	t.Run("present again is a no-op", func(t *testing.T) {
		require.NoError(t, SetPresent(focus, true))
		h.pump()
		v, _ := w.Focus.Get()
		assert.Equal(t, "hello", v.Get())
	})

	t.Run("off then on resets the item", func(t *testing.T) {
		require.NoError(t, SetPresent(focus, false))
		h.pump()
		assert.False(t, w.Focus.Present())

		require.NoError(t, SetPresent(focus, true))
		h.pump()
		v, ok := w.Focus.Get()
		require.True(t, ok)
		assert.Equal(t, "", v.Get())
	})

	t.Run("replace with some", func(t *testing.T) {
		some := Some(tree.LeafOf("set"))
		require.NoError(t, focus.Emit(&some))
		h.pump()
		v, ok := w.Focus.Get()
		require.True(t, ok)
		assert.Equal(t, "set", v.Get())
	})
}

func TestOptional_CBOR(t *testing.T) {
	var absent Optional[tree.Leaf[int]]
	data, err := tree.Marshal(absent)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xf6}, data)

	data, err = tree.Marshal(Some(tree.LeafOf(8)))
	require.NoError(t, err)

	var back Optional[tree.Leaf[int]]
	require.NoError(t, tree.Unmarshal(data, &back))
	v, ok := back.Get()
	require.True(t, ok)
	assert.Equal(t, 8, v.Get())
}

// -----------------------------------------------------------------------------
// Proxy
// -----------------------------------------------------------------------------

func TestProxy(t *testing.T) {
	w := &world{Counter: tree.LeafOf(3)}
	h := newHarness(t, w)
	root, _, _ := worldNodes(h.env)
	mirror := tree.Child[*Proxy[tree.Leaf[int]]](root, "mirror")
	counter := tree.Child[*tree.Leaf[int]](root, "counter")

	t.Run("unbound has no subject", func(t *testing.T) {
		_, err := Subject(mirror)
		assert.ErrorIs(t, err, tree.ErrNoSubject)
		assert.False(t, Bound(mirror))
	})

	require.NoError(t, Bind(mirror, counter))

	t.Run("reads pass through", func(t *testing.T) {
		s, err := Subject(mirror)
		require.NoError(t, err)
		assert.Equal(t, 3, tree.Value(s))
	})

	t.Run("writes pass through", func(t *testing.T) {
		s, err := Subject(mirror)
		require.NoError(t, err)
		require.NoError(t, tree.Set(s, 8))
		require.Len(t, h.pending, 1)
		assert.Equal(t, address.Consist{1}, h.pending[0].Key.Consist)
		h.pump()
		assert.Equal(t, 8, w.Counter.Get())
		assert.Equal(t, 8, tree.Value(s))
	})

	t.Run("second bind fails loudly", func(t *testing.T) {
		err := Bind(mirror, counter)
		var bindErr *tree.BindError
		require.True(t, errors.As(err, &bindErr))
		assert.Equal(t, mirror.Key().Canonical(), bindErr.Key.Canonical())
	})

	t.Run("subject follows the proxy's reporter", func(t *testing.T) {
		var redirected []address.Packet
		env := h.env.WithReporter(tree.ReporterFunc(func(p address.Packet) error {
			redirected = append(redirected, p)
			return nil
		}))
		s, err := Subject(mirror.Rebase(env))
		require.NoError(t, err)
		require.NoError(t, tree.Set(s, 1))
		assert.Len(t, redirected, 1)
		assert.Empty(t, h.pending)
	})

	t.Run("without bindings", func(t *testing.T) {
		env := tree.NewEnv(func() any { return w }, nil, nil, nil)
		n := tree.Child[*Proxy[tree.Leaf[int]]](tree.Root[*world](env), "mirror")
		assert.ErrorIs(t, Bind(n, counter), tree.ErrNoBindings)
	})

	t.Run("packet to the proxy itself is an address error", func(t *testing.T) {
		payload, err := tree.Marshal(tree.LeafOf(5))
		require.NoError(t, err)
		_, err = tree.Decode(w, address.Packet{Key: mirror.Key(), Payload: payload})

		var addrErr *tree.AddressError
		require.True(t, errors.As(err, &addrErr))
		assert.Equal(t, "state holds no value", addrErr.Reason)
	})

	t.Run("proxy slot has no children", func(t *testing.T) {
		_, err := tree.Decode(w, address.Packet{Key: address.Key{Consist: address.Consist{9, 1}}})
		assert.ErrorIs(t, err, tree.ErrUnknownAddress)
	})
}
