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

	"github.com/AleutianAI/statetree/services/statetree/tree"
)

// Processor is the synchronous engine. Emits accumulate in an inbox and are
// applied when the caller invokes Process, typically once per frame.
//
// Description:
//
//	Process runs one pass:
//	  1. Each packet in the inbox runs as its own cascade, in emission
//	     order.
//	  2. Each future that completed since the last pass runs as its own
//	     cascade.
//	  3. Each carry scheduled before the pass runs as its own cascade.
//	Each cascade runs to quiescence before the next starts, so root
//	packets never dedup against each other. Emits and carries made during
//	the pass outside a cascade wait for the next pass.
//
// Thread Safety:
//
//	Emitting through Root is safe from any goroutine. Process, Restore and
//	Close serialize on an internal lock. Read and Snapshot take the
//	consensus read lock.
type Processor[T any] struct {
	core *core[T]

	// runMu serializes passes with Restore and Close.
	runMu  sync.Mutex
	closed bool
}

// NewProcessor creates a synchronous engine over root. handler, if not nil,
// receives every applied message at the root in place of the state's own
// handlers.
func NewProcessor[T any](cfg Config, root *T, handler tree.HandlerFunc[*T]) (*Processor[T], error) {
	c, err := newCore(cfg, root, handler, "processor")
	if err != nil {
		return nil, err
	}
	return &Processor[T]{core: c}, nil
}

// Process runs one pass and returns the number of packets applied.
func (p *Processor[T]) Process(ctx context.Context) (int, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.closed {
		return 0, ErrEngineClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ctx, span := tracer.Start(ctx, "engine.Processor.Process")
	defer span.End()

	total := 0
	for _, cs := range p.core.inputCascades(ctx) {
		total += p.core.run(cs)
	}

futures:
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		select {
		case done := <-p.core.futures.done:
			total += p.core.run(p.core.futureCascade(ctx, done))
		default:
			break futures
		}
	}

	for _, cs := range p.core.carryCascades(ctx) {
		total += p.core.run(cs)
	}
	return total, nil
}

// Root returns the root node. Emits made through it are applied on the
// next Process.
func (p *Processor[T]) Root() tree.Node[*T] {
	return tree.Root[*T](p.core.env)
}

// Read calls fn with the canonical state under the consensus read lock.
func (p *Processor[T]) Read(fn func(root *T)) {
	p.core.consensus.Read(fn)
}

// Generation returns the number of applied packets and restores.
func (p *Processor[T]) Generation() int64 {
	return p.core.consensus.Generation()
}

// Snapshot encodes the canonical state.
func (p *Processor[T]) Snapshot() ([]byte, error) {
	return p.core.consensus.Snapshot()
}

// Restore replaces the canonical state with a snapshot. Queued emits are
// kept and apply to the restored state.
func (p *Processor[T]) Restore(data []byte) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.closed {
		return ErrEngineClosed
	}
	return p.core.consensus.Restore(data)
}

// Output returns the channel of applied-packet notifications. It is closed
// by Close.
func (p *Processor[T]) Output() <-chan Applied {
	return p.core.output
}

// Pending returns the number of queued emits and carries.
func (p *Processor[T]) Pending() int {
	return p.core.inbox.pending()
}

// Outstanding returns the number of futures not yet applied.
func (p *Processor[T]) Outstanding() int {
	return p.core.futures.Outstanding()
}

// Bindings returns the proxy registry of this engine.
func (p *Processor[T]) Bindings() *tree.Bindings {
	return p.core.bindings
}

// Close cancels outstanding futures and closes Output. Safe to call
// multiple times.
func (p *Processor[T]) Close() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.core.close()
	p.core.logger.Debug("processor closed")
	return nil
}
