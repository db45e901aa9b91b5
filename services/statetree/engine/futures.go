// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/statetree/services/statetree/address"
	"github.com/AleutianAI/statetree/services/statetree/tree"
)

// completion is a future that produced its packet.
type completion struct {
	id     uuid.UUID
	packet address.Packet
}

// futures runs deferred emissions and hands their packets to the engine.
//
// A future is outstanding from start until the engine opens the cascade
// for its packet, or until it fails or is cancelled.
//
// Thread Safety: Safe for concurrent use.
type futures struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	done   chan completion
	fail   func(error)

	mu          sync.Mutex
	outstanding map[uuid.UUID]address.Key
}

func newFutures(buffer int, fail func(error)) *futures {
	ctx, cancel := context.WithCancel(context.Background())
	return &futures{
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan completion, buffer),
		fail:        fail,
		outstanding: make(map[uuid.UUID]address.Key),
	}
}

// start runs d.Future on its own goroutine.
func (f *futures) start(d tree.Deferred) error {
	if f.ctx.Err() != nil {
		return ErrEngineClosed
	}

	id := uuid.New()
	key := d.Key.Clone()

	f.mu.Lock()
	f.outstanding[id] = key
	f.mu.Unlock()
	futuresOutstanding.Inc()

	f.group.Go(func() error {
		payload, err := d.Future(f.ctx)
		if err != nil {
			if f.ctx.Err() == nil {
				f.fail(fmt.Errorf("future %s: %w", key, err))
			}
			f.finish(id)
			return nil
		}
		select {
		case f.done <- completion{id: id, packet: address.Packet{Key: key, Payload: payload}}:
		case <-f.ctx.Done():
			f.finish(id)
		}
		return nil
	})
	return nil
}

// finish removes id from the outstanding set.
func (f *futures) finish(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.outstanding[id]; ok {
		delete(f.outstanding, id)
		futuresOutstanding.Dec()
	}
}

// Outstanding returns the number of futures not yet applied.
func (f *futures) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outstanding)
}

// close cancels every running future and waits for them to return.
func (f *futures) close() {
	f.cancel()
	_ = f.group.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	futuresOutstanding.Sub(float64(len(f.outstanding)))
	clear(f.outstanding)
}
