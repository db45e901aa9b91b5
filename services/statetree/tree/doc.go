// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tree implements the state capability model: how state types are
// laid out, how packets decode into messages and apply, and the Node
// handles through which handlers read and emit.
//
// # States
//
// A state is a pointer type that is either a Composite, a struct listing
// its children with FieldOf, or a Container, a type with its own
// addressing such as Leaf or the types in package containers.
//
//	type Adder struct {
//		A, B, Sum tree.Leaf[int]
//	}
//
//	func (s *Adder) Fields() []tree.Field {
//		return []tree.Field{
//			tree.FieldOf("a", &s.A),
//			tree.FieldOf("b", &s.B),
//			tree.FieldOf("sum", &s.Sum),
//		}
//	}
//
// Each state occupies SizeOf(s) static slots: one for itself, then its
// children left to right. Reordering fields changes every address below
// the composite.
//
// # Nodes
//
// A Node pairs an Accessor (root to state) with an Emitter (address plus
// reporter). Nodes are cheap values created per access; Child, Descend and
// DescendAlt derive child nodes. Emitting never mutates state: it reports a
// packet that the engine applies later.
//
// # Handlers
//
// After a packet is applied the engine dispatches the decoded message from
// the root. A state type may implement Handler on its pointer type;
// otherwise Fallback forwards the message to the children it touched.
//
// Thread Safety: Decode, Apply and Encode are pure with respect to package
// state. Node.Get reads live state and must only be used where the engine
// guarantees no concurrent apply.
package tree
