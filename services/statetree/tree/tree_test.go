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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statetree/services/statetree/address"
)

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

type pair struct {
	X, Y Leaf[int]
}

func (s *pair) Fields() []Field {
	return []Field{FieldOf("x", &s.X), FieldOf("y", &s.Y)}
}

type outer struct {
	Flag Leaf[bool]
	P    pair
	Z    Leaf[string]
}

func (s *outer) Fields() []Field {
	return []Field{FieldOf("flag", &s.Flag), FieldOf("p", &s.P), FieldOf("z", &s.Z)}
}

// handlerLog records handler calls of the watched fixture.
type handlerLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *handlerLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *handlerLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

func (l *handlerLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

var watchedLog handlerLog

type watched struct {
	Leaf[int]
}

func (*watched) Handle(n Node[*watched], msg Message, _ time.Duration) {
	watchedLog.add(n.Key().String() + " " + msg.String())
}

type host struct {
	W watched
	P pair
}

func (s *host) Fields() []Field {
	return []Field{FieldOf("w", &s.W), FieldOf("p", &s.P)}
}

type boom struct {
	Leaf[int]
}

func (*boom) Handle(Node[*boom], Message, time.Duration) {
	panic("boom")
}

func intPayload(t *testing.T, v int) []byte {
	t.Helper()
	b, err := Marshal(v)
	require.NoError(t, err)
	return b
}

// collect returns an env over root whose reporter appends to the returned
// slice.
func collect(root any) (*Env, *[]address.Packet, *[]error) {
	var packets []address.Packet
	var errs []error
	env := NewEnv(
		func() any { return root },
		ReporterFunc(func(p address.Packet) error {
			packets = append(packets, p)
			return nil
		}),
		NewBindings(),
		func(err error) { errs = append(errs, err) },
	)
	return env, &packets, &errs
}

// -----------------------------------------------------------------------------
// Layout
// -----------------------------------------------------------------------------

func TestSizeOf(t *testing.T) {
	t.Run("leaf", func(t *testing.T) {
		assert.Equal(t, uint32(1), SizeOf(&Leaf[int]{}))
	})

	t.Run("composite is one plus children", func(t *testing.T) {
		assert.Equal(t, uint32(3), SizeOf(&pair{}))
		assert.Equal(t, uint32(1+1+3+1), SizeOf(&outer{}))
	})

	t.Run("fixed composites have no dynamic dimensions", func(t *testing.T) {
		assert.Equal(t, 0, AltSizeOf(&outer{}))
	})

	t.Run("field ranges are laid out in order", func(t *testing.T) {
		assert.Equal(t, []FieldInfo{
			{Name: "flag", Offset: 1, Size: 1},
			{Name: "p", Offset: 2, Size: 3},
			{Name: "z", Offset: 5, Size: 1},
		}, Describe(&outer{}))
		assert.Nil(t, Describe(&Leaf[int]{}))
	})

	t.Run("non state panics", func(t *testing.T) {
		assert.Panics(t, func() { SizeOf(new(int)) })
	})
}

func TestZero(t *testing.T) {
	p := Zero[*pair]()
	require.NotNil(t, p)
	assert.Equal(t, 0, p.X.Get())
	assert.Panics(t, func() { Zero[pair]() })
}

// -----------------------------------------------------------------------------
// Codec
// -----------------------------------------------------------------------------

func TestDecode(t *testing.T) {
	t.Run("nested field", func(t *testing.T) {
		p := address.Packet{Key: address.Key{Consist: address.Consist{2, 1}}, Payload: intPayload(t, 7)}

		msg, err := Decode(&outer{}, p)
		require.NoError(t, err)
		assert.Equal(t, "field(p)>field(x)>replace", msg.String())
		assert.True(t, msg.Targets("p"))

		leaf, ok := msg.Leaf().Value.(*Leaf[int])
		require.True(t, ok)
		assert.Equal(t, 7, leaf.Get())
	})

	t.Run("flattened consist decodes the same", func(t *testing.T) {
		split, err := Decode(&outer{}, address.Packet{Key: address.Key{Consist: address.Consist{2, 2}}, Payload: intPayload(t, 1)})
		require.NoError(t, err)
		flat, err := Decode(&outer{}, address.Packet{Key: address.Key{Consist: address.Consist{4}}, Payload: intPayload(t, 1)})
		require.NoError(t, err)
		assert.Equal(t, split.String(), flat.String())
	})

	t.Run("empty consist replaces the root", func(t *testing.T) {
		payload, err := Marshal(&outer{Z: LeafOf("hi")})
		require.NoError(t, err)

		msg, err := Decode(&outer{}, address.Packet{Payload: payload})
		require.NoError(t, err)
		assert.Equal(t, KindReplace, msg.Kind)
		assert.Equal(t, "hi", msg.Value.(*outer).Z.Get())
	})

	t.Run("delta outside every range", func(t *testing.T) {
		_, err := Decode(&outer{}, address.Packet{Key: address.Key{Consist: address.Consist{9}}})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownAddress)

		var addrErr *AddressError
		require.True(t, errors.As(err, &addrErr))
		assert.Equal(t, uint32(9), addrErr.Delta)
		assert.Equal(t, 0, addrErr.Depth)
	})

	t.Run("delta below a leaf", func(t *testing.T) {
		_, err := Decode(&outer{}, address.Packet{Key: address.Key{Consist: address.Consist{5, 1}}})

		var addrErr *AddressError
		require.True(t, errors.As(err, &addrErr))
		assert.Equal(t, 1, addrErr.Depth)
		assert.Equal(t, "leaf has no children", addrErr.Reason)
	})

	t.Run("unused transient", func(t *testing.T) {
		_, err := Decode(&outer{}, address.Packet{
			Key:     address.Key{Consist: address.Consist{3}, Transient: address.Transient{0}},
			Payload: intPayload(t, 1),
		})
		assert.ErrorIs(t, err, ErrUnknownAddress)

		var addrErr *AddressError
		require.True(t, errors.As(err, &addrErr))
		assert.Equal(t, "unused transient index", addrErr.Reason)
	})

	t.Run("payload of the wrong type", func(t *testing.T) {
		_, err := Decode(&outer{}, address.Packet{Key: address.Key{Consist: address.Consist{5}}, Payload: intPayload(t, 3)})
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestApply(t *testing.T) {
	root := &outer{}

	msg, err := Decode(root, address.Packet{Key: address.Key{Consist: address.Consist{3}}, Payload: intPayload(t, 42)})
	require.NoError(t, err)
	require.NoError(t, Apply(root, msg))
	assert.Equal(t, 42, root.P.X.Get())

	t.Run("replace is idempotent", func(t *testing.T) {
		require.NoError(t, Apply(root, msg))
		assert.Equal(t, 42, root.P.X.Get())
	})

	t.Run("field index out of range", func(t *testing.T) {
		bad := FieldMessage(7, "nope", Replace(&Leaf[int]{}))
		assert.ErrorIs(t, Apply(root, bad), ErrUnexpectedMessage)
	})

	t.Run("replace with mismatched type", func(t *testing.T) {
		bad := FieldMessage(0, "flag", Replace(&Leaf[int]{}))
		assert.ErrorIs(t, Apply(root, bad), ErrUnexpectedMessage)
	})
}

func TestEncode(t *testing.T) {
	y := LeafOf(5)
	msg := FieldMessage(1, "p", FieldMessage(1, "y", Replace(&y)))

	p, err := Encode(&outer{}, msg)
	require.NoError(t, err)
	assert.Equal(t, address.Consist{2, 2}, p.Key.Consist)
	assert.Equal(t, intPayload(t, 5), p.Payload)

	back, err := Decode(&outer{}, p)
	require.NoError(t, err)
	assert.Equal(t, msg.String(), back.String())
}

func TestLeaf_CBOR(t *testing.T) {
	a, err := Marshal(LeafOf(5))
	require.NoError(t, err)
	assert.Equal(t, intPayload(t, 5), a)

	var l Leaf[int]
	require.NoError(t, Unmarshal(a, &l))
	assert.Equal(t, 5, l.Get())
}

// -----------------------------------------------------------------------------
// Nodes
// -----------------------------------------------------------------------------

func TestNode_EmitAndRead(t *testing.T) {
	root := &outer{}
	env, packets, _ := collect(root)

	y := Child[*Leaf[int]](Child[*pair](Root[*outer](env), "p"), "y")
	assert.Equal(t, address.Consist{2, 2}, y.Key().Consist)

	require.NoError(t, Set(y, 5))
	require.Len(t, *packets, 1)

	msg, err := Decode(root, (*packets)[0])
	require.NoError(t, err)
	require.NoError(t, Apply(root, msg))

	assert.Equal(t, 5, Value(y))
	assert.Same(t, &root.P.Y, y.Get())

	t.Run("accessor is reusable on another root", func(t *testing.T) {
		other := &outer{P: pair{Y: LeafOf(9)}}
		assert.Equal(t, 9, y.Accessor().Read(other, nil).Get())
	})

	t.Run("child at index", func(t *testing.T) {
		z := ChildAt[*Leaf[string]](Root[*outer](env), 2)
		assert.Equal(t, address.Consist{5}, z.Key().Consist)
	})

	t.Run("unknown child name panics", func(t *testing.T) {
		assert.Panics(t, func() { Child[*Leaf[int]](Root[*outer](env), "missing") })
	})
}

func TestNode_EmitFailureReachesSink(t *testing.T) {
	var sunk []error
	env := NewEnv(func() any { return &outer{} },
		ReporterFunc(func(address.Packet) error { return ErrSinkClosed }),
		nil,
		func(err error) { sunk = append(sunk, err) },
	)

	err := Set(Child[*Leaf[bool]](Root[*outer](env), "flag"), true)
	assert.ErrorIs(t, err, ErrSinkClosed)
	require.Len(t, sunk, 1)
	assert.ErrorIs(t, sunk[0], ErrSinkClosed)
}

func TestNode_DeferredWithoutDeferrer(t *testing.T) {
	ch := make(chan address.Packet, 1)
	var mu sync.Mutex
	var sunk []error
	env := NewEnv(func() any { return &outer{} }, NewChanReporter(ch, nil), nil, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		sunk = append(sunk, err)
	})
	x := Child[*Leaf[int]](Child[*pair](Root[*outer](env), "p"), "x")

	t.Run("future falls back to a goroutine", func(t *testing.T) {
		require.NoError(t, x.EmitFuture(func(context.Context) (*Leaf[int], error) {
			l := LeafOf(11)
			return &l, nil
		}))

		select {
		case p := <-ch:
			assert.Equal(t, address.Consist{2, 1}, p.Key.Consist)
			assert.Equal(t, intPayload(t, 11), p.Payload)
		case <-time.After(time.Second):
			t.Fatal("future was not emitted")
		}
	})

	t.Run("carry is unsupported", func(t *testing.T) {
		err := x.EmitCarry(func(cur *Leaf[int], _ time.Duration) *Leaf[int] { return cur })
		assert.ErrorIs(t, err, ErrDeferUnsupported)

		mu.Lock()
		defer mu.Unlock()
		require.NotEmpty(t, sunk)
		assert.ErrorIs(t, sunk[len(sunk)-1], ErrDeferUnsupported)
	})
}

func TestChanReporter_Closed(t *testing.T) {
	done := make(chan struct{})
	r := NewChanReporter(make(chan address.Packet), done)
	close(done)
	assert.ErrorIs(t, r.Report(address.Packet{}), ErrSinkClosed)
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

func TestDispatch(t *testing.T) {
	root := &host{}
	env, _, errs := collect(root)
	n := Root[*host](env)

	t.Run("field message reaches the child handler", func(t *testing.T) {
		watchedLog.reset()
		w := watched{Leaf: LeafOf(1)}
		Dispatch(n, FieldMessage(0, "w", Replace(&w)), 0)
		assert.Equal(t, []string{"/1 replace"}, watchedLog.snapshot())
	})

	t.Run("messages for siblings do not", func(t *testing.T) {
		watchedLog.reset()
		Dispatch(n, FieldMessage(1, "p", FieldMessage(0, "x", Replace(&Leaf[int]{}))), 0)
		assert.Empty(t, watchedLog.snapshot())
	})

	t.Run("replace propagates to every child", func(t *testing.T) {
		watchedLog.reset()
		Dispatch(n, Replace(&host{}), 0)
		assert.Equal(t, []string{"/1 replace"}, watchedLog.snapshot())
	})

	t.Run("panics reach the error sink", func(t *testing.T) {
		b := Root[*boom](env)
		assert.NotPanics(t, func() { Dispatch(b, Replace(&boom{}), 0) })
		require.NotEmpty(t, *errs)
		assert.ErrorIs(t, (*errs)[len(*errs)-1], ErrHandlerPanic)
	})
}

// -----------------------------------------------------------------------------
// Bindings
// -----------------------------------------------------------------------------

func TestBindings(t *testing.T) {
	b := NewBindings()
	env, _, _ := collect(&outer{})
	subject := Child[*Leaf[bool]](Root[*outer](env), "flag").Untyped()
	key := address.Key{Consist: address.Consist{4}}

	require.NoError(t, b.Bind(key, subject))

	got, ok := b.Lookup(address.Key{Consist: address.Consist{1, 3}})
	require.True(t, ok)
	assert.Equal(t, subject.Key(), got.Key())

	err := b.Bind(key, subject)
	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.ErrorIs(t, err, ErrAlreadyBound)
	assert.Equal(t, "proxy at /4 already bound", err.Error())
	assert.Equal(t, 1, b.Len())
}
