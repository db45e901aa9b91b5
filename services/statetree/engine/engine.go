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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/statetree/services/statetree/address"
	"github.com/AleutianAI/statetree/services/statetree/journal"
	"github.com/AleutianAI/statetree/services/statetree/tree"
)

// Applied is published on the output channel after a packet changed the
// canonical state.
type Applied struct {
	// Packet is the packet as applied. Carry packets carry their resolved
	// payload.
	Packet address.Packet

	// Message is the decoded form of Packet.
	Message tree.Message

	// Generation is the consensus generation after the apply.
	Generation int64

	// Cascade identifies the cascade the packet belonged to.
	Cascade uuid.UUID

	// At is when the packet was applied.
	At time.Time
}

// -----------------------------------------------------------------------------
// Inbox
// -----------------------------------------------------------------------------

// inbox collects emissions made outside an open cascade: emits on the root
// node, emits from closed cascades and all deferred emissions.
//
// Thread Safety: Safe for concurrent use.
type inbox struct {
	mu      sync.Mutex
	packets []address.Packet
	carries []*entry
	closed  bool

	// notify receives a token whenever packets arrive.
	notify  chan struct{}
	futures *futures
}

func newInbox(f *futures) *inbox {
	return &inbox{notify: make(chan struct{}, 1), futures: f}
}

// Report implements tree.Reporter.
func (b *inbox) Report(p address.Packet) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return tree.ErrSinkClosed
	}
	b.packets = append(b.packets, p.Clone())
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Defer implements tree.Deferrer. Futures start immediately; carries wait
// for the next carry pass.
func (b *inbox) Defer(d tree.Deferred) error {
	switch {
	case d.Carry != nil:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return tree.ErrSinkClosed
		}
		b.carries = append(b.carries, &entry{key: d.Key.Clone(), carry: d.Carry, scheduled: time.Now()})
		return nil
	case d.Future != nil:
		return b.futures.start(d)
	default:
		return fmt.Errorf("deferred emission at %s has neither future nor carry", d.Key)
	}
}

func (b *inbox) takePackets() []address.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.packets
	b.packets = nil
	return out
}

func (b *inbox) takeCarries() []*entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.carries
	b.carries = nil
	return out
}

func (b *inbox) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets) + len(b.carries)
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.packets = nil
	b.carries = nil
}

// -----------------------------------------------------------------------------
// Core
// -----------------------------------------------------------------------------

// core is the machinery Processor and Scheduler share: consensus, cascade
// stepping, dispatch and publication. Every method except the inbox and
// futures is owned by one goroutine at a time.
type core[T any] struct {
	id        uuid.UUID
	consensus *Consensus[T]
	handler   tree.Handler[*T]
	bindings  *tree.Bindings
	env       *tree.Env
	inbox     *inbox
	futures   *futures
	journal   *journal.Worker
	output    chan Applied
	sink      func(error)
	logger    *slog.Logger
}

func newCore[T any](cfg Config, root *T, handler tree.HandlerFunc[*T], component string) (*core[T], error) {
	cfg = cfg.withDefaults()

	consensus, err := NewConsensus(root)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	c := &core[T]{
		id:        id,
		consensus: consensus,
		bindings:  tree.NewBindings(),
		journal:   cfg.Journal,
		output:    make(chan Applied, cfg.OutputBuffer),
		sink:      cfg.ErrorSink,
		logger: cfg.Logger.With(
			slog.String("component", component),
			slog.String("engine_id", id.String()),
		),
	}
	// A nil HandlerFunc must stay a nil interface.
	if handler != nil {
		c.handler = handler
	}
	c.futures = newFutures(cfg.InputBuffer, c.fail)
	c.inbox = newInbox(c.futures)
	c.env = tree.NewEnv(consensus.current, c.inbox, c.bindings, c.fail)
	return c, nil
}

// fail reports err to the error sink.
func (c *core[T]) fail(err error) {
	if err != nil {
		c.sink(err)
	}
}

// begin opens a cascade seeded with entries.
func (c *core[T]) begin(ctx context.Context, origin string, entries ...*entry) *cascade {
	id := uuid.New()
	ctx, span := tracer.Start(ctx, "engine.Cascade",
		trace.WithAttributes(
			attribute.String("engine_id", c.id.String()),
			attribute.String("cascade_id", id.String()),
			attribute.String("origin", origin),
			attribute.Int("seed_count", len(entries)),
		),
	)
	cs := &cascade{
		id:      id,
		origin:  origin,
		ctx:     ctx,
		span:    span,
		started: time.Now(),
		parent:  c.inbox,
		pending: make(map[address.Canonical]*entry),
		visited: make(map[address.Canonical]struct{}),
	}
	for _, e := range entries {
		_ = cs.push(e)
	}
	return cs
}

// beginPackets opens a cascade seeded with packets.
func (c *core[T]) beginPackets(ctx context.Context, origin string, packets ...address.Packet) *cascade {
	entries := make([]*entry, len(packets))
	for i, p := range packets {
		entries[i] = &entry{key: p.Key, payload: p.Payload}
	}
	return c.begin(ctx, origin, entries...)
}

// step applies the next packet of cs and dispatches it. It returns false,
// and finishes the cascade, once cs is quiescent.
//
// Description:
//
//	pop → resolve carry → decode → apply → publish → journal → dispatch.
//	A packet that fails to decode or apply is dropped and reported; the
//	cascade continues with the next one.
func (c *core[T]) step(cs *cascade) bool {
	e, ok := cs.pop()
	if !ok {
		c.finish(cs)
		return false
	}

	p, err := c.resolve(e)
	if err != nil {
		packetErrors.WithLabelValues("carry").Inc()
		c.fail(err)
		return true
	}

	msg, err := tree.Decode(c.consensus.current(), p)
	if err != nil {
		reason := "payload"
		if errors.Is(err, tree.ErrUnknownAddress) {
			reason = "address"
		}
		packetErrors.WithLabelValues(reason).Inc()
		cs.span.AddEvent("packet_dropped", trace.WithAttributes(
			attribute.String("key", p.Key.String()),
			attribute.String("reason", reason),
		))
		c.fail(fmt.Errorf("cascade %s: %w", cs.id, err))
		return true
	}

	gen, elapsed, err := c.consensus.apply(msg)
	if err != nil {
		packetErrors.WithLabelValues("apply").Inc()
		c.fail(fmt.Errorf("cascade %s: apply %s: %w", cs.id, p.Key, err))
		return true
	}
	packetsApplied.Inc()
	cs.applied++

	c.logger.Debug("packet applied",
		slog.String("key", p.Key.String()),
		slog.String("message", msg.String()),
		slog.Int64("generation", gen),
		slog.String("cascade", cs.id.String()),
	)

	c.publish(Applied{Packet: p, Message: msg, Generation: gen, Cascade: cs.id, At: time.Now()})
	if c.journal != nil {
		c.journal.Record(p, gen, cs.id.String())
	}

	c.dispatch(cs, msg, elapsed)
	return true
}

// run steps cs until it is quiescent and returns how many packets it
// applied.
func (c *core[T]) run(cs *cascade) int {
	for c.step(cs) {
	}
	return cs.applied
}

func (c *core[T]) resolve(e *entry) (address.Packet, error) {
	if e.carry == nil {
		return address.Packet{Key: e.key, Payload: e.payload}, nil
	}
	payload, err := e.carry(c.consensus.current(), time.Since(e.scheduled))
	if err != nil {
		return address.Packet{}, fmt.Errorf("carry %s: %w", e.key, err)
	}
	return address.Packet{Key: e.key, Payload: payload}, nil
}

// dispatch hands msg to the root handler, or to the state's own handlers,
// with a node whose emits join cs.
func (c *core[T]) dispatch(cs *cascade, msg tree.Message, elapsed time.Duration) {
	root := tree.Root[*T](c.env.WithReporter(cs))
	if c.handler == nil {
		tree.Dispatch(root, msg, elapsed)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.fail(fmt.Errorf("%w at root (%s): %v", tree.ErrHandlerPanic, msg, r))
		}
	}()
	c.handler.Handle(root, msg, elapsed)
}

func (c *core[T]) publish(a Applied) {
	select {
	case c.output <- a:
	default:
		outputDropped.Inc()
	}
}

func (c *core[T]) finish(cs *cascade) {
	duration := time.Since(cs.started)
	recordCascadeMetrics(cs.ctx, cs.origin, duration, cs.applied)

	cs.span.SetAttributes(attribute.Int("applied", cs.applied))
	if cs.applied == 0 {
		cs.span.SetStatus(codes.Error, "no packet applied")
	}
	cs.span.End()

	c.logger.Debug("cascade finished",
		slog.String("cascade", cs.id.String()),
		slog.String("origin", cs.origin),
		slog.Int("applied", cs.applied),
		slog.Duration("duration", duration),
	)
}

// inputCascades opens one cascade per queued root packet, in emission
// order.
func (c *core[T]) inputCascades(ctx context.Context) []*cascade {
	packets := c.inbox.takePackets()
	out := make([]*cascade, len(packets))
	for i, p := range packets {
		out[i] = c.beginPackets(ctx, originInput, p)
	}
	return out
}

// carryCascades opens one cascade per due carry, in scheduling order.
func (c *core[T]) carryCascades(ctx context.Context) []*cascade {
	carries := c.inbox.takeCarries()
	out := make([]*cascade, len(carries))
	for i, e := range carries {
		out[i] = c.begin(ctx, originCarry, e)
	}
	return out
}

// futureCascade opens the cascade for a completed future.
func (c *core[T]) futureCascade(ctx context.Context, done completion) *cascade {
	c.futures.finish(done.id)
	return c.beginPackets(ctx, originFuture, done.packet)
}

// close stops futures and refuses further emits. The caller must own the
// engine goroutine.
func (c *core[T]) close() {
	c.inbox.close()
	c.futures.close()
	close(c.output)
}
