// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package address defines how a position in a state tree is named.
//
// # Consist and Transient
//
// A Key has two halves. The Consist is the static part: a sequence of
// deltas, each relative to the node reached by the deltas before it. The
// sum of a Consist is the node's absolute static slot, which depends only
// on the declared layout of the tree and never on runtime data.
//
// The Transient (also called alt) carries one element index for every
// dynamic container crossed on the way down. All elements of one list
// share the same Consist and differ only in their Transient, so nesting
// lists never multiplies the static address space.
//
//	root(0) ─┬─ a(1)
//	         ├─ b(2)
//	         └─ items(3) ─┬─ push(+1)
//	                      ├─ pop(+2)
//	                      └─ element(+3) ── Transient[0] selects which one
package address

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Consist is the static, layout-derived path of deltas to a node.
type Consist []uint32

// Offset returns the absolute static slot named by the path.
func (c Consist) Offset() uint64 {
	var sum uint64
	for _, d := range c {
		sum += uint64(d)
	}
	return sum
}

// Append returns a new path with delta added. A zero delta names the same
// node and is not recorded.
func (c Consist) Append(delta uint32) Consist {
	if delta == 0 {
		return c
	}
	out := make(Consist, len(c), len(c)+1)
	copy(out, c)
	return append(out, delta)
}

// Clone returns a copy that does not alias c.
func (c Consist) Clone() Consist {
	if c == nil {
		return nil
	}
	out := make(Consist, len(c))
	copy(out, c)
	return out
}

// Transient is the runtime-only element index channel.
type Transient []uint32

// Append returns a new transient with index added for one more dynamic
// dimension.
func (t Transient) Append(index uint32) Transient {
	out := make(Transient, len(t), len(t)+1)
	copy(out, t)
	return append(out, index)
}

// Clone returns a copy that does not alias t.
func (t Transient) Clone() Transient {
	if t == nil {
		return nil
	}
	out := make(Transient, len(t))
	copy(out, t)
	return out
}

// Key is the full address of one node.
type Key struct {
	Consist   Consist
	Transient Transient
}

// Root is the key of the tree root.
var Root = Key{}

// Canonical is a comparable form of a Key. Keys that name the same node
// have equal Canonical values regardless of how their Consist was split.
type Canonical struct {
	Offset uint64
	Alt    string
}

// Canonical returns the comparable form of k.
func (k Key) Canonical() Canonical {
	var alt string
	if len(k.Transient) > 0 {
		buf := make([]byte, 0, 4*len(k.Transient))
		for _, i := range k.Transient {
			buf = binary.BigEndian.AppendUint32(buf, i)
		}
		alt = string(buf)
	}
	return Canonical{Offset: k.Consist.Offset(), Alt: alt}
}

// Equal reports whether k and other name the same node.
func (k Key) Equal(other Key) bool {
	return k.Canonical() == other.Canonical()
}

// Clone returns a deep copy of k.
func (k Key) Clone() Key {
	return Key{Consist: k.Consist.Clone(), Transient: k.Transient.Clone()}
}

// String renders the key as "/d1/d2[t1,t2]".
func (k Key) String() string {
	var b strings.Builder
	if len(k.Consist) == 0 {
		b.WriteByte('/')
	}
	for _, d := range k.Consist {
		fmt.Fprintf(&b, "/%d", d)
	}
	if len(k.Transient) > 0 {
		b.WriteByte('[')
		for i, t := range k.Transient {
			if i > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%d", t)
		}
		b.WriteByte(']')
	}
	return b.String()
}
