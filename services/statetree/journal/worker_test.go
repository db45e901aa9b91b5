// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statetree/services/statetree/address"
)

func packetAt(deltas ...uint32) address.Packet {
	return address.Packet{Key: address.Key{Consist: deltas}, Payload: []byte{0x01}}
}

func TestWorker_Record(t *testing.T) {
	ctx := context.Background()

	t.Run("records in order", func(t *testing.T) {
		w := New(100, nil)
		defer w.Close()

		for i := 1; i <= 5; i++ {
			w.Record(packetAt(uint32(i)), int64(i), "c1")
		}

		records, err := w.All(ctx)
		require.NoError(t, err)
		require.Len(t, records, 5)
		for i, r := range records {
			assert.Equal(t, int64(i+1), r.Generation)
			assert.NotEmpty(t, r.ID)
		}
	})

	t.Run("evicts the oldest at capacity", func(t *testing.T) {
		w := New(3, nil)
		defer w.Close()

		for i := 1; i <= 5; i++ {
			w.Record(packetAt(1), int64(i), "c1")
		}

		size, err := w.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, size)

		_, found, err := w.ByGeneration(ctx, 1)
		require.NoError(t, err)
		assert.False(t, found)

		byAddr, err := w.ByAddress(ctx, address.Key{Consist: address.Consist{1}})
		require.NoError(t, err)
		assert.Len(t, byAddr, 3)
	})

	t.Run("record does not alias the caller's packet", func(t *testing.T) {
		w := New(10, nil)
		defer w.Close()

		p := packetAt(2)
		w.Record(p, 1, "c1")
		p.Payload[0] = 0xff

		records, err := w.All(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, byte(0x01), records[0].Packet.Payload[0])
	})
}

func TestWorker_Queries(t *testing.T) {
	ctx := context.Background()
	w := New(100, nil)
	defer w.Close()

	w.Record(packetAt(1), 1, "a")
	w.Record(packetAt(2), 2, "a")
	w.Record(packetAt(3, 4), 3, "b")
	w.Record(packetAt(1), 4, "b")

	t.Run("range is exclusive then inclusive", func(t *testing.T) {
		records, err := w.Range(ctx, 1, 3)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, int64(2), records[0].Generation)
		assert.Equal(t, int64(3), records[1].Generation)
	})

	t.Run("by address matches flattened keys", func(t *testing.T) {
		records, err := w.ByAddress(ctx, address.Key{Consist: address.Consist{7}})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, int64(3), records[0].Generation)
	})

	t.Run("by generation", func(t *testing.T) {
		r, found, err := w.ByGeneration(ctx, 4)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "b", r.Cascade)
	})

	t.Run("by cascade", func(t *testing.T) {
		records, err := w.ByCascade(ctx, "a")
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}

func TestWorker_Closed(t *testing.T) {
	w := New(10, nil)
	w.Close()
	w.Close()

	_, err := w.Size(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	w.Record(packetAt(1), 1, "a")
}

func TestWorker_NilContext(t *testing.T) {
	w := New(10, nil)
	defer w.Close()

	//nolint:staticcheck // exercising the nil guard
	_, err := w.All(nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestWorker_CancelledContext(t *testing.T) {
	w := New(10, nil)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.All(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
