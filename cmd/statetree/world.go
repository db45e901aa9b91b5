// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/statetree/services/statetree/containers"
	"github.com/AleutianAI/statetree/services/statetree/engine"
	"github.com/AleutianAI/statetree/services/statetree/tree"
)

// maxCounters bounds the simulated counter list.
const maxCounters = 5

// Clock advances once per frame through a carried emission.
type Clock struct {
	Elapsed tree.Leaf[float64]
	Frames  tree.Leaf[int]
}

func (c *Clock) Fields() []tree.Field {
	return []tree.Field{
		tree.FieldOf("elapsed", &c.Elapsed),
		tree.FieldOf("frames", &c.Frames),
	}
}

// advance returns the clock dt later.
func (c *Clock) advance(dt time.Duration) *Clock {
	return &Clock{
		Elapsed: tree.LeafOf(c.Elapsed.Get() + dt.Seconds()),
		Frames:  tree.LeafOf(c.Frames.Get() + 1),
	}
}

// World is the state the watch command simulates.
type World struct {
	Clock    Clock
	Counters containers.List[tree.Leaf[int]]
	Focus    containers.Optional[tree.Leaf[string]]
	Mirror   containers.Proxy[tree.Leaf[int]]
	Total    tree.Leaf[int]
}

func (w *World) Fields() []tree.Field {
	return []tree.Field{
		tree.FieldOf("clock", &w.Clock),
		tree.FieldOf("counters", &w.Counters),
		tree.FieldOf("focus", &w.Focus),
		tree.FieldOf("mirror", &w.Mirror),
		tree.FieldOf("total", &w.Total),
	}
}

// Handle keeps the clock running and total equal to the sum of the
// counters.
func (w *World) Handle(n tree.Node[*World], msg tree.Message, elapsed time.Duration) {
	switch {
	case msg.Targets("clock"):
		clock := tree.Child[*Clock](n, "clock")
		_ = clock.EmitCarry(func(cur *Clock, dt time.Duration) *Clock {
			return cur.advance(dt)
		})
	case msg.Targets("counters"):
		sum := 0
		for _, c := range n.Get().Counters.Items() {
			sum += c.Get()
		}
		_ = tree.Set(tree.Child[*tree.Leaf[int]](n, "total"), sum)
	}
	tree.Fallback(n, msg, elapsed)
}

// -----------------------------------------------------------------------------
// Simulation
// -----------------------------------------------------------------------------

// sim drives a World through a Processor, one Process per frame.
type sim struct {
	proc  *engine.Processor[World]
	frame int
}

func newSim(cfg engine.Config) (*sim, error) {
	proc, err := engine.NewProcessor(cfg, &World{}, nil)
	if err != nil {
		return nil, err
	}

	root := proc.Root()
	mirror := tree.Child[*containers.Proxy[tree.Leaf[int]]](root, "mirror")
	if err := containers.Bind(mirror, tree.Child[*tree.Leaf[int]](root, "total")); err != nil {
		_ = proc.Close()
		return nil, err
	}

	// Start the clock; its handler re-arms it every frame.
	if err := tree.Child[*Clock](root, "clock").Emit(&Clock{}); err != nil {
		_ = proc.Close()
		return nil, err
	}
	return &sim{proc: proc}, nil
}

// step emits this frame's scripted changes and runs one pass.
//
// Every 30th frame appends a counter until there are maxCounters, every
// 7th frame bumps one counter, every 45th frame toggles the focus.
func (s *sim) step(ctx context.Context) (int, error) {
	s.frame++
	root := s.proc.Root()
	counters := tree.Child[*containers.List[tree.Leaf[int]]](root, "counters")
	focus := tree.Child[*containers.Optional[tree.Leaf[string]]](root, "focus")

	n := containers.Len(counters)
	switch {
	case s.frame%30 == 1 && n < maxCounters:
		_ = containers.Push(counters, tree.LeafOf(0))
	case s.frame%7 == 0 && n > 0:
		el := containers.Element(counters, uint32(s.frame%n))
		_ = tree.Set(el, tree.Value(el)+1)
	}

	if s.frame%45 == 0 {
		present := focus.Get().Present()
		_ = containers.SetPresent(focus, !present)
		if !present {
			_ = tree.Set(containers.Inner(focus), fmt.Sprintf("frame %d", s.frame))
		}
	}

	return s.proc.Process(ctx)
}

// view is a copy of the state taken under the read lock.
type view struct {
	Elapsed  float64
	Frames   int
	Counters []int
	Focus    string
	Focused  bool
	Total    int
	Mirror   int
}

func (s *sim) view() view {
	var v view
	s.proc.Read(func(w *World) {
		v.Elapsed = w.Clock.Elapsed.Get()
		v.Frames = w.Clock.Frames.Get()
		for _, c := range w.Counters.Items() {
			v.Counters = append(v.Counters, c.Get())
		}
		if item, ok := w.Focus.Get(); ok {
			v.Focused = true
			v.Focus = item.Get()
		}
		v.Total = w.Total.Get()
	})

	mirror := tree.Child[*containers.Proxy[tree.Leaf[int]]](s.proc.Root(), "mirror")
	if subject, err := containers.Subject(mirror); err == nil {
		v.Mirror = tree.Value(subject)
	}
	return v
}

func (s *sim) close() error {
	return s.proc.Close()
}
