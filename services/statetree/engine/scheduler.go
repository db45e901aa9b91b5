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
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/statetree/services/statetree/address"
	"github.com/AleutianAI/statetree/services/statetree/tree"
)

// ready is always selectable. It stands in for "there is work to step".
var ready = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Scheduler is the asynchronous engine. One goroutine, the one calling Run,
// owns the state and steps every active cascade in round robin, so
// unrelated cascades interleave at packet granularity.
//
// Description:
//
//	Each root emission starts its own cascade: a packet from Input, an
//	emit on Root, a completed future, or a carry due at a tick.
//	Within a cascade the usual rules hold: an address applies at most once
//	and later payloads for a queued address replace the earlier one.
//
// Thread Safety:
//
//	Input, Root and Close are safe from any goroutine. Run must be called
//	once. Close waits for Run to return.
type Scheduler[T any] struct {
	core  *core[T]
	input chan address.Packet
	tick  time.Duration

	closeCh chan struct{}
	doneCh  chan struct{}

	// lifeMu orders Run start against Close.
	lifeMu  sync.Mutex
	running bool
	closed  bool
}

// NewScheduler creates an asynchronous engine over root. handler, if not
// nil, receives every applied message at the root in place of the state's
// own handlers.
func NewScheduler[T any](cfg Config, root *T, handler tree.HandlerFunc[*T]) (*Scheduler[T], error) {
	cfg = cfg.withDefaults()
	c, err := newCore(cfg, root, handler, "scheduler")
	if err != nil {
		return nil, err
	}
	return &Scheduler[T]{
		core:    c,
		input:   make(chan address.Packet, cfg.InputBuffer),
		tick:    cfg.TickInterval,
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Input returns the channel external producers send packets on. Closing it
// stops the scheduler with ErrInputClosed.
func (s *Scheduler[T]) Input() chan<- address.Packet {
	return s.input
}

// Reporter returns a reporter that sends on Input and fails once the
// scheduler is closed.
func (s *Scheduler[T]) Reporter() tree.Reporter {
	return tree.NewChanReporter(s.input, s.closeCh)
}

// Root returns the root node. Emits made through it each start a cascade.
func (s *Scheduler[T]) Root() tree.Node[*T] {
	return tree.Root[*T](s.core.env)
}

// Run owns the engine until ctx is cancelled, Close is called, or Input is
// closed.
//
// Outputs:
//
//	error - nil after Close, ctx.Err() on cancellation, ErrInputClosed when
//	        Input was closed, ErrAlreadyRunning or ErrEngineClosed when Run
//	        cannot start.
func (s *Scheduler[T]) Run(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	s.lifeMu.Lock()
	switch {
	case s.closed:
		s.lifeMu.Unlock()
		return ErrEngineClosed
	case s.running:
		s.lifeMu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.lifeMu.Unlock()
	defer close(s.doneCh)

	s.core.logger.Info("scheduler started", slog.Duration("tick", s.tick))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	var active []*cascade
	for {
		var work <-chan struct{}
		if len(active) > 0 {
			work = ready
		}

		select {
		case <-ctx.Done():
			s.abandon(active)
			return ctx.Err()

		case <-s.closeCh:
			s.abandon(active)
			return nil

		case p, ok := <-s.input:
			if !ok {
				s.abandon(active)
				err := fmt.Errorf("scheduler: %w", ErrInputClosed)
				s.core.fail(err)
				return err
			}
			active = append(active, s.core.beginPackets(ctx, originInput, p))

		case <-s.core.inbox.notify:
			active = append(active, s.core.inputCascades(ctx)...)

		case done := <-s.core.futures.done:
			active = append(active, s.core.futureCascade(ctx, done))

		case <-ticker.C:
			active = append(active, s.core.carryCascades(ctx)...)

		case <-work:
			cs := active[0]
			active = active[1:]
			if s.core.step(cs) {
				active = append(active, cs)
			}
		}
	}
}

// abandon ends the spans of cascades cut short by shutdown.
func (s *Scheduler[T]) abandon(active []*cascade) {
	for _, cs := range active {
		if n := cs.Len(); n > 0 {
			s.core.logger.Warn("cascade abandoned",
				slog.String("cascade", cs.id.String()),
				slog.Int("queued", n),
			)
		}
		s.core.finish(cs)
	}
}

// Read calls fn with the canonical state under the consensus read lock.
func (s *Scheduler[T]) Read(fn func(root *T)) {
	s.core.consensus.Read(fn)
}

// Generation returns the number of applied packets and restores.
func (s *Scheduler[T]) Generation() int64 {
	return s.core.consensus.Generation()
}

// Snapshot encodes the canonical state.
func (s *Scheduler[T]) Snapshot() ([]byte, error) {
	return s.core.consensus.Snapshot()
}

// Output returns the channel of applied-packet notifications. It is closed
// by Close.
func (s *Scheduler[T]) Output() <-chan Applied {
	return s.core.output
}

// Outstanding returns the number of futures not yet applied.
func (s *Scheduler[T]) Outstanding() int {
	return s.core.futures.Outstanding()
}

// Bindings returns the proxy registry of this engine.
func (s *Scheduler[T]) Bindings() *tree.Bindings {
	return s.core.bindings
}

// Close stops Run, cancels outstanding futures and closes Output. Safe to
// call multiple times.
func (s *Scheduler[T]) Close() error {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return nil
	}
	s.closed = true
	running := s.running
	close(s.closeCh)
	s.lifeMu.Unlock()

	if running {
		<-s.doneCh
	}
	s.core.close()
	s.core.logger.Info("scheduler closed")
	return nil
}
