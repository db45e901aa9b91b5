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
)

// Handler reacts to a message that was just applied at or below n. elapsed
// is the time since the engine's previous apply.
//
// State types implement Handler on their pointer type. A handler that
// wants the default forwarding to children as well calls Fallback.
type Handler[S any] interface {
	Handle(n Node[S], msg Message, elapsed time.Duration)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[S any] func(n Node[S], msg Message, elapsed time.Duration)

// Handle calls f.
func (f HandlerFunc[S]) Handle(n Node[S], msg Message, elapsed time.Duration) {
	f(n, msg, elapsed)
}

// Dispatch delivers msg to the handler of n's state type, or to Fallback
// when the type has none. A panicking handler is recovered and reported to
// the error sink.
func Dispatch[S any](n Node[S], msg Message, elapsed time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			n.c.env.Fail(fmt.Errorf("%w at %s (%s): %v", ErrHandlerPanic, n.Key(), msg, r))
		}
	}()

	if h, ok := any(n.Get()).(Handler[S]); ok {
		h.Handle(n, msg, elapsed)
		return
	}
	Fallback(n, msg, elapsed)
}

// Fallback forwards msg to the children it touched. A field message goes to
// that field's handler; a replace goes to every child; containers decide
// through Container.Forward.
func Fallback[S any](n Node[S], msg Message, elapsed time.Duration) {
	var s S
	switch st := any(s).(type) {
	case Container:
		st.Forward(n.Untyped(), msg, elapsed)
	case Composite:
		forwardFields(n.c, Zero[S](), msg, elapsed)
	}
}

func forwardFields(c core, zero any, msg Message, elapsed time.Duration) {
	l := layoutOf(zero)
	fields := zero.(Composite).Fields()
	switch msg.Kind {
	case KindField:
		if msg.Child == nil || msg.Field < 0 || msg.Field >= len(fields) {
			return
		}
		fields[msg.Field].forward(c, msg.Field, l.fields[msg.Field].Offset, *msg.Child, elapsed)
	case KindReplace:
		live, _ := c.read().(Composite)
		for i, f := range fields {
			var child any
			if live != nil {
				child = live.Fields()[i].ptr
			}
			f.forward(c, i, l.fields[i].Offset, Replace(child), elapsed)
		}
	}
}
