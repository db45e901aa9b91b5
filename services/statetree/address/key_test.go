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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsist_Offset(t *testing.T) {
	tests := []struct {
		name    string
		consist Consist
		want    uint64
	}{
		{"root", nil, 0},
		{"single", Consist{3}, 3},
		{"nested", Consist{3, 3, 1}, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.consist.Offset())
		})
	}
}

func TestConsist_AppendDoesNotAlias(t *testing.T) {
	base := make(Consist, 1, 8)
	base[0] = 2

	a := base.Append(1)
	b := base.Append(5)

	assert.Equal(t, Consist{2, 1}, a)
	assert.Equal(t, Consist{2, 5}, b)
	assert.Equal(t, Consist{2}, base)
}

func TestConsist_AppendZeroIsSameNode(t *testing.T) {
	base := Consist{4}
	assert.Equal(t, base, base.Append(0))
}

func TestKey_Canonical(t *testing.T) {
	t.Run("split and flattened paths are equal", func(t *testing.T) {
		a := Key{Consist: Consist{3, 4}}
		b := Key{Consist: Consist{7}}
		assert.True(t, a.Equal(b))
	})

	t.Run("transient distinguishes list elements", func(t *testing.T) {
		a := Key{Consist: Consist{3, 3}, Transient: Transient{0}}
		b := Key{Consist: Consist{3, 3}, Transient: Transient{1}}
		assert.False(t, a.Equal(b))
	})

	t.Run("usable as map key", func(t *testing.T) {
		seen := map[Canonical]bool{}
		seen[Key{Consist: Consist{1}}.Canonical()] = true
		assert.True(t, seen[Key{Consist: Consist{1}}.Canonical()])
		assert.False(t, seen[Key{Consist: Consist{2}}.Canonical()])
	})
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "/", Root.String())
	assert.Equal(t, "/3/4[1,2]", Key{Consist: Consist{3, 4}, Transient: Transient{1, 2}}.String())
}

func TestPacket_BinaryRoundTrip(t *testing.T) {
	p := Packet{
		Key:     Key{Consist: Consist{3, 3}, Transient: Transient{7}},
		Payload: []byte{0x01, 0x02},
	}

	data, err := p.MarshalBinary()
	require.NoError(t, err)

	var got Packet
	require.NoError(t, got.UnmarshalBinary(data))
	assert.True(t, got.Key.Equal(p.Key))
	assert.Equal(t, p.Payload, got.Payload)
}

func TestPacket_UnmarshalMalformed(t *testing.T) {
	var p Packet
	err := p.UnmarshalBinary([]byte{0xff, 0x00})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestPacket_Clone(t *testing.T) {
	p := Packet{Key: Key{Consist: Consist{1}}, Payload: []byte{9}}
	c := p.Clone()
	c.Payload[0] = 1
	c.Key.Consist[0] = 5
	assert.Equal(t, byte(9), p.Payload[0])
	assert.Equal(t, uint32(1), p.Key.Consist[0])
}
