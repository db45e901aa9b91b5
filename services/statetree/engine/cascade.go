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
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/statetree/services/statetree/address"
	"github.com/AleutianAI/statetree/services/statetree/tree"
)

// Cascade origins, used as a metric attribute.
const (
	originInput  = "input"
	originFuture = "future"
	originCarry  = "carry"
)

// entry is one queued emission. Carry entries compute their payload when
// they are popped.
type entry struct {
	key       address.Key
	payload   []byte
	carry     func(root any, dt time.Duration) ([]byte, error)
	scheduled time.Time
}

// cascade is the queue of packets triggered, directly or through handlers,
// by one root emission.
//
// Description:
//
//	Each address is applied at most once per cascade. A packet for an
//	address that was already applied is dropped; a packet for an address
//	that is still queued replaces the queued payload in place, so the
//	latest value wins and keeps the first position. Once the queue runs
//	empty the cascade closes and later emits go to the engine inbox,
//	starting new cascades.
//
// Thread Safety: Safe for concurrent use. Handlers run on the engine
// goroutine; stray goroutines may still emit into it.
type cascade struct {
	id      uuid.UUID
	origin  string
	ctx     context.Context
	span    trace.Span
	started time.Time
	applied int

	// parent receives emits after the cascade closed, and all deferred
	// emissions.
	parent *inbox

	mu      sync.Mutex
	queue   []*entry
	pending map[address.Canonical]*entry
	visited map[address.Canonical]struct{}
	closed  bool
}

// Report implements tree.Reporter.
func (c *cascade) Report(p address.Packet) error {
	return c.push(&entry{key: p.Key.Clone(), payload: p.Payload})
}

// Defer implements tree.Deferrer.
func (c *cascade) Defer(d tree.Deferred) error {
	return c.parent.Defer(d)
}

func (c *cascade) push(e *entry) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if e.carry != nil {
			return c.parent.Defer(tree.Deferred{Key: e.key, Carry: e.carry})
		}
		return c.parent.Report(address.Packet{Key: e.key, Payload: e.payload})
	}
	defer c.mu.Unlock()

	ck := e.key.Canonical()
	if _, ok := c.visited[ck]; ok {
		packetsDeduped.Inc()
		return nil
	}
	if queued, ok := c.pending[ck]; ok {
		*queued = *e
		packetsCoalesced.Inc()
		return nil
	}
	c.pending[ck] = e
	c.queue = append(c.queue, e)
	return nil
}

// pop removes the next entry and marks its address visited. An empty queue
// closes the cascade.
func (c *cascade) pop() (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		c.closed = true
		return nil, false
	}
	e := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]

	ck := e.key.Canonical()
	delete(c.pending, ck)
	c.visited[ck] = struct{}{}
	return e, true
}

// Len returns the number of queued entries.
func (c *cascade) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
