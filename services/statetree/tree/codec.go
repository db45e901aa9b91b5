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

	"github.com/AleutianAI/statetree/services/statetree/address"
)

// -----------------------------------------------------------------------------
// Decoder
// -----------------------------------------------------------------------------

// Decoder walks a packet's address down the tree. Each state consumes the
// part of the path it owns and hands the rest to one child.
//
// Thread Safety: Not safe for concurrent use.
type Decoder struct {
	packet address.Packet
	path   address.Consist
	alt    int
	depth  int
}

func newDecoder(p address.Packet) *Decoder {
	path := make(address.Consist, 0, len(p.Key.Consist))
	for _, delta := range p.Key.Consist {
		if delta != 0 {
			path = append(path, delta)
		}
	}
	return &Decoder{packet: p, path: path}
}

// Done reports whether the path is fully consumed, meaning the packet
// replaces the current node.
func (d *Decoder) Done() bool {
	return len(d.path) == 0
}

// Head returns the next delta relative to the current node. It is only
// meaningful when Done is false.
func (d *Decoder) Head() uint32 {
	if len(d.path) == 0 {
		return 0
	}
	return d.path[0]
}

// Last reports whether the head is the final delta of the path.
func (d *Decoder) Last() bool {
	return len(d.path) == 1
}

// Enter descends into the child whose range starts at start. The head must
// lie in that child's range. A head landing strictly inside the range is
// rebased onto the child.
func (d *Decoder) Enter(start uint32) {
	d.depth++
	if len(d.path) == 0 {
		return
	}
	d.path[0] -= start
	if d.path[0] == 0 {
		d.path = d.path[1:]
	}
}

// NextAlt consumes the next transient index for a dynamic container.
func (d *Decoder) NextAlt() (uint32, error) {
	if d.alt >= len(d.packet.Key.Transient) {
		return 0, d.Unknown("missing transient index")
	}
	i := d.packet.Key.Transient[d.alt]
	d.alt++
	return i, nil
}

// Payload returns the packet's raw payload.
func (d *Decoder) Payload() []byte {
	return d.packet.Payload
}

// UnmarshalPayload decodes the payload into v.
func (d *Decoder) UnmarshalPayload(v any) error {
	if err := Unmarshal(d.packet.Payload, v); err != nil {
		return fmt.Errorf("%w at %s into %T: %w", ErrMalformedPayload, d.packet.Key, v, err)
	}
	return nil
}

// Unknown returns an AddressError for the current position.
func (d *Decoder) Unknown(reason string) *AddressError {
	return &AddressError{
		Packet: d.packet,
		Delta:  d.Head(),
		Depth:  d.depth,
		Reason: reason,
	}
}

// Decode resolves p against the tree rooted at root and returns the message
// chain it describes. root is only used for its type.
//
// Outputs:
//   - Message: Rooted at root.
//   - error: *AddressError when the address matches no slot, or
//     ErrMalformedPayload when the payload does not fit the target type.
func Decode(root any, p address.Packet) (Message, error) {
	d := newDecoder(p)
	msg, err := DecodeState(root, d)
	if err != nil {
		return Message{}, err
	}
	if d.alt != len(p.Key.Transient) {
		return Message{}, d.Unknown("unused transient index")
	}
	return msg, nil
}

// DecodeState decodes the remainder of d against state s. Containers call it
// for their children.
func DecodeState(s any, d *Decoder) (Message, error) {
	if d.Done() {
		if _, ok := s.(Opaque); ok {
			return Message{}, d.Unknown("state holds no value")
		}
		v := New(s)
		if err := d.UnmarshalPayload(v); err != nil {
			return Message{}, err
		}
		return Replace(v), nil
	}

	switch st := s.(type) {
	case Container:
		return st.DecodeMessage(d)
	case Composite:
		head := d.Head()
		fields := st.Fields()
		for i, info := range layoutOf(s).fields {
			if head < info.Offset || head >= info.Offset+info.Size {
				continue
			}
			d.Enter(info.Offset)
			child, err := DecodeState(fields[i].ptr, d)
			if err != nil {
				return Message{}, err
			}
			return FieldMessage(i, info.Name, child), nil
		}
		return Message{}, d.Unknown("no field owns delta")
	default:
		return Message{}, fmt.Errorf("%w: %T", ErrNotState, s)
	}
}

// -----------------------------------------------------------------------------
// Apply
// -----------------------------------------------------------------------------

// Apply mutates s according to msg.
func Apply(s any, msg Message) error {
	if msg.Kind == KindReplace {
		return assign(s, msg.Value)
	}

	switch st := s.(type) {
	case Container:
		return st.ApplyMessage(msg)
	case Composite:
		if msg.Kind != KindField || msg.Child == nil {
			return fmt.Errorf("%w: %s on %T", ErrUnexpectedMessage, msg.Kind, s)
		}
		fields := st.Fields()
		if msg.Field < 0 || msg.Field >= len(fields) {
			return fmt.Errorf("%w: field %d of %T", ErrUnexpectedMessage, msg.Field, s)
		}
		return Apply(fields[msg.Field].ptr, *msg.Child)
	default:
		return fmt.Errorf("%w: %T", ErrNotState, s)
	}
}

// -----------------------------------------------------------------------------
// Encoder
// -----------------------------------------------------------------------------

// Encoder accumulates the address of a message while it is encoded.
type Encoder struct {
	consist   address.Consist
	transient address.Transient
}

// Enter records a static delta relative to the current node.
func (e *Encoder) Enter(delta uint32) {
	e.consist = e.consist.Append(delta)
}

// PushAlt records the element index for a dynamic container.
func (e *Encoder) PushAlt(index uint32) {
	e.transient = e.transient.Append(index)
}

// Key returns the address accumulated so far.
func (e *Encoder) Key() address.Key {
	return address.Key{Consist: e.consist.Clone(), Transient: e.transient.Clone()}
}

// Encode converts msg, rooted at root, into a packet. It is the inverse of
// Decode.
func Encode(root any, msg Message) (address.Packet, error) {
	e := &Encoder{}
	payload, err := EncodeState(root, msg, e)
	if err != nil {
		return address.Packet{}, err
	}
	return address.Packet{Key: e.Key(), Payload: payload}, nil
}

// EncodeState extends e with the address of msg relative to s and returns
// the payload.
func EncodeState(s any, msg Message, e *Encoder) ([]byte, error) {
	if msg.Kind == KindReplace {
		return Marshal(msg.Value)
	}

	switch st := s.(type) {
	case Container:
		return st.EncodeMessage(msg, e)
	case Composite:
		fields := st.Fields()
		if msg.Kind != KindField || msg.Child == nil || msg.Field < 0 || msg.Field >= len(fields) {
			return nil, fmt.Errorf("%w: %s on %T", ErrUnexpectedMessage, msg, s)
		}
		e.Enter(layoutOf(s).fields[msg.Field].Offset)
		return EncodeState(fields[msg.Field].ptr, *msg.Child, e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotState, s)
	}
}
