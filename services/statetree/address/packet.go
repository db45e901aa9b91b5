// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package address

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedPacket is returned when packet bytes cannot be decoded.
var ErrMalformedPacket = errors.New("malformed packet")

// Packet is the wire form of a message: an address plus an opaque payload.
// The payload is only meaningful to the state type found at Key.
type Packet struct {
	Key     Key
	Payload []byte
}

// wirePacket is the array-encoded wire shape of a Packet.
type wirePacket struct {
	_         struct{} `cbor:",toarray"`
	Consist   []uint32
	Transient []uint32
	Payload   []byte
}

// MarshalBinary encodes the packet as a CBOR array
// [consist, transient, payload].
func (p Packet) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(wirePacket{
		Consist:   p.Key.Consist,
		Transient: p.Key.Transient,
		Payload:   p.Payload,
	})
}

// UnmarshalBinary decodes bytes produced by MarshalBinary.
func (p *Packet) UnmarshalBinary(data []byte) error {
	var w wirePacket
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	p.Key = Key{Consist: w.Consist, Transient: w.Transient}
	p.Payload = w.Payload
	return nil
}

// Clone returns a deep copy of p.
func (p Packet) Clone() Packet {
	var payload []byte
	if p.Payload != nil {
		payload = make([]byte, len(p.Payload))
		copy(payload, p.Payload)
	}
	return Packet{Key: p.Key.Clone(), Payload: payload}
}

// String renders the packet for logs.
func (p Packet) String() string {
	return fmt.Sprintf("%s (%d bytes)", p.Key, len(p.Payload))
}
