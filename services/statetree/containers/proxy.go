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

// Proxy stands in for a node elsewhere. It stores nothing; the subject is
// recorded in the engine's bindings the first time Bind is called.
type Proxy[T any] struct{}

// MarshalCBOR encodes a proxy as null.
func (Proxy[T]) MarshalCBOR() ([]byte, error) {
	return cborNull, nil
}

// UnmarshalCBOR accepts any value and ignores it.
func (*Proxy[T]) UnmarshalCBOR([]byte) error {
	return nil
}

// NodeSize implements tree.Container.
func (*Proxy[T]) NodeSize() uint32 { return 1 }

// AltSize implements tree.Container.
func (*Proxy[T]) AltSize() int { return 0 }

// Opaque implements tree.Opaque. Packets addressed to the proxy itself are
// rejected.
func (*Proxy[T]) Opaque() {}

// DecodeMessage implements tree.Container. Writes to the subject are
// addressed to the subject, never to the proxy.
func (*Proxy[T]) DecodeMessage(d *tree.Decoder) (tree.Message, error) {
	return tree.Message{}, d.Unknown("proxy has no slots")
}

// ApplyMessage implements tree.Container.
func (p *Proxy[T]) ApplyMessage(msg tree.Message) error {
	return fmt.Errorf("%w: %s on %T", tree.ErrUnexpectedMessage, msg.Kind, p)
}

// EncodeMessage implements tree.Container.
func (p *Proxy[T]) EncodeMessage(msg tree.Message, _ *tree.Encoder) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s on %T", tree.ErrUnexpectedMessage, msg.Kind, p)
}

// Forward implements tree.Container. A proxy reached by a parent's replace
// has nothing to propagate.
func (*Proxy[T]) Forward(tree.Node[any], tree.Message, time.Duration) {}

// Bind makes subject the target of the proxy at n.
//
// Outputs:
//   - error: *tree.BindError if the proxy is already bound,
//     tree.ErrNoBindings if n's environment has no registry.
func Bind[T any](n tree.Node[*Proxy[T]], subject tree.Node[*T]) error {
	b := n.Env().Bindings()
	if b == nil {
		return fmt.Errorf("bind %s: %w", n.Key(), tree.ErrNoBindings)
	}
	return b.Bind(n.Key().Clone(), subject.Untyped())
}

// Subject returns the node the proxy at n indirects to. A subject from the
// same engine is returned in n's environment, so its emits join the current
// cascade; a subject from elsewhere keeps its own.
func Subject[T any](n tree.Node[*Proxy[T]]) (tree.Node[*T], error) {
	b := n.Env().Bindings()
	if b == nil {
		return tree.Node[*T]{}, fmt.Errorf("subject of %s: %w", n.Key(), tree.ErrNoBindings)
	}
	s, ok := b.Lookup(n.Key())
	if !ok {
		return tree.Node[*T]{}, fmt.Errorf("subject of %s: %w", n.Key(), tree.ErrNoSubject)
	}
	if s.Env().Bindings() == b {
		s = s.Rebase(n.Env())
	}
	return tree.As[*T](s), nil
}

// Bound reports whether the proxy at n has a subject.
func Bound[T any](n tree.Node[*Proxy[T]]) bool {
	b := n.Env().Bindings()
	if b == nil {
		return false
	}
	_, ok := b.Lookup(n.Key())
	return ok
}
