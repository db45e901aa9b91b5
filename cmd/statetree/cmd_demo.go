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
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/statetree/services/statetree/config"
	"github.com/AleutianAI/statetree/services/statetree/containers"
	"github.com/AleutianAI/statetree/services/statetree/engine"
	"github.com/AleutianAI/statetree/services/statetree/tree"
)

var demoStats bool

// errUnknownScenario is returned for a scenario name that does not exist.
var errUnknownScenario = errors.New("unknown scenario")

type scenario struct {
	name string
	run  func(ctx context.Context, w io.Writer, cfg engine.Config) error

	// modal scenarios follow the configured mode; the others always run
	// on the synchronous processor.
	modal bool
}

var scenarios = []scenario{
	{"adder", runAdder, true},
	{"list", runList, false},
	{"optional", runOptional, false},
	{"proxy", runProxy, false},
	{"future", runFuture, false},
	{"carry", runCarry, false},
}

func runDemo(cmd *cobra.Command, args []string) error {
	selected := scenarios
	if len(args) > 0 {
		selected = nil
		for _, name := range args {
			i := slices.IndexFunc(scenarios, func(s scenario) bool { return s.name == name })
			if i < 0 {
				return fmt.Errorf("%w: %s", errUnknownScenario, name)
			}
			selected = append(selected, scenarios[i])
		}
	}

	cfg := settings.Engine(logger.Slog(), newJournal())
	if cfg.Journal != nil {
		defer cfg.Journal.Close()
	}

	w := cmd.OutOrStdout()
	for _, sc := range selected {
		mode := config.ModeSync
		if sc.modal {
			mode = settings.Mode
		}
		fmt.Fprintf(w, "== %s (%s)\n", sc.name, mode)
		if err := sc.run(cmd.Context(), w, cfg); err != nil {
			return fmt.Errorf("scenario %s: %w", sc.name, err)
		}
		fmt.Fprintln(w)
	}

	if cfg.Journal != nil {
		size, err := cfg.Journal.Size(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "journal: %d records\n", size)
	}
	if demoStats {
		return writeCounters(w)
	}
	return nil
}

// printApplied writes every notification waiting on ch.
func printApplied(w io.Writer, ch <-chan engine.Applied) int {
	n := 0
	for {
		select {
		case a, ok := <-ch:
			if !ok {
				return n
			}
			n++
			fmt.Fprintf(w, "  #%-4d %-10s %-34s cascade=%s\n",
				a.Generation, a.Packet.Key, a.Message, a.Cascade.String()[:8])
		default:
			return n
		}
	}
}

// -----------------------------------------------------------------------------
// Adder
// -----------------------------------------------------------------------------

// Adder keeps Sum equal to A + B.
type Adder struct {
	A   tree.Leaf[int]
	B   tree.Leaf[int]
	Sum tree.Leaf[int]
}

func (a *Adder) Fields() []tree.Field {
	return []tree.Field{
		tree.FieldOf("a", &a.A),
		tree.FieldOf("b", &a.B),
		tree.FieldOf("sum", &a.Sum),
	}
}

// Handle recomputes the sum when an operand changes.
func (a *Adder) Handle(n tree.Node[*Adder], msg tree.Message, _ time.Duration) {
	if msg.Targets("a", "b") {
		cur := n.Get()
		_ = tree.Set(tree.Child[*tree.Leaf[int]](n, "sum"), cur.A.Get()+cur.B.Get())
	}
}

func runAdder(ctx context.Context, w io.Writer, cfg engine.Config) error {
	if settings.Mode == config.ModeAsync {
		return runAdderAsync(ctx, w, cfg)
	}

	p, err := engine.NewProcessor(cfg, &Adder{}, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	root := p.Root()
	_ = tree.Set(tree.Child[*tree.Leaf[int]](root, "a"), 1)
	_ = tree.Set(tree.Child[*tree.Leaf[int]](root, "b"), 2)
	if _, err := p.Process(ctx); err != nil {
		return err
	}
	printApplied(w, p.Output())
	p.Read(func(a *Adder) {
		fmt.Fprintf(w, "  sum = %d\n", a.Sum.Get())
	})
	return nil
}

func runAdderAsync(ctx context.Context, w io.Writer, cfg engine.Config) error {
	s, err := engine.NewScheduler(cfg, &Adder{}, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	root := s.Root()
	_ = tree.Set(tree.Child[*tree.Leaf[int]](root, "a"), 1)
	_ = tree.Set(tree.Child[*tree.Leaf[int]](root, "b"), 2)

	for {
		var sum int
		s.Read(func(a *Adder) { sum = a.Sum.Get() })
		if sum == 3 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	printApplied(w, s.Output())
	fmt.Fprintln(w, "  sum = 3")
	return nil
}

// -----------------------------------------------------------------------------
// Containers
// -----------------------------------------------------------------------------

// Inventory exercises the containers.
type Inventory struct {
	Items  containers.List[tree.Leaf[int]]
	Label  containers.Optional[tree.Leaf[string]]
	Count  tree.Leaf[int]
	Mirror containers.Proxy[tree.Leaf[int]]
}

func (inv *Inventory) Fields() []tree.Field {
	return []tree.Field{
		tree.FieldOf("items", &inv.Items),
		tree.FieldOf("label", &inv.Label),
		tree.FieldOf("count", &inv.Count),
		tree.FieldOf("mirror", &inv.Mirror),
	}
}

type inventoryNodes struct {
	root   tree.Node[*Inventory]
	items  tree.Node[*containers.List[tree.Leaf[int]]]
	label  tree.Node[*containers.Optional[tree.Leaf[string]]]
	count  tree.Node[*tree.Leaf[int]]
	mirror tree.Node[*containers.Proxy[tree.Leaf[int]]]
}

func newInventory(cfg engine.Config) (*engine.Processor[Inventory], inventoryNodes, error) {
	p, err := engine.NewProcessor(cfg, &Inventory{}, nil)
	if err != nil {
		return nil, inventoryNodes{}, err
	}
	root := p.Root()
	return p, inventoryNodes{
		root:   root,
		items:  tree.Child[*containers.List[tree.Leaf[int]]](root, "items"),
		label:  tree.Child[*containers.Optional[tree.Leaf[string]]](root, "label"),
		count:  tree.Child[*tree.Leaf[int]](root, "count"),
		mirror: tree.Child[*containers.Proxy[tree.Leaf[int]]](root, "mirror"),
	}, nil
}

func items(p *engine.Processor[Inventory]) []int {
	var out []int
	p.Read(func(inv *Inventory) {
		for _, it := range inv.Items.Items() {
			out = append(out, it.Get())
		}
	})
	return out
}

func runList(ctx context.Context, w io.Writer, cfg engine.Config) error {
	p, n, err := newInventory(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	for _, v := range []int{4, 5, 6} {
		_ = containers.Push(n.items, tree.LeafOf(v))
	}
	if _, err := p.Process(ctx); err != nil {
		return err
	}
	printApplied(w, p.Output())
	fmt.Fprintf(w, "  items = %v\n", items(p))

	_ = tree.Set(containers.Element(n.items, 1), 50)
	_ = containers.Pop(n.items)
	if _, err := p.Process(ctx); err != nil {
		return err
	}
	printApplied(w, p.Output())
	fmt.Fprintf(w, "  items = %v\n", items(p))
	return nil
}

func runOptional(ctx context.Context, w io.Writer, cfg engine.Config) error {
	p, n, err := newInventory(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	show := func() {
		p.Read(func(inv *Inventory) {
			if v, ok := inv.Label.Get(); ok {
				fmt.Fprintf(w, "  label = %q\n", v.Get())
				return
			}
			fmt.Fprintln(w, "  label = none")
		})
	}

	_ = containers.SetPresent(n.label, true)
	_ = tree.Set(containers.Inner(n.label), "crate")
	if _, err := p.Process(ctx); err != nil {
		return err
	}
	printApplied(w, p.Output())
	show()

	_ = containers.SetPresent(n.label, false)
	if _, err := p.Process(ctx); err != nil {
		return err
	}
	printApplied(w, p.Output())
	show()
	return nil
}

func runProxy(ctx context.Context, w io.Writer, cfg engine.Config) error {
	p, n, err := newInventory(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := containers.Bind(n.mirror, n.count); err != nil {
		return err
	}
	subject, err := containers.Subject(n.mirror)
	if err != nil {
		return err
	}
	_ = tree.Set(subject, 42)
	if _, err := p.Process(ctx); err != nil {
		return err
	}
	printApplied(w, p.Output())
	p.Read(func(inv *Inventory) {
		fmt.Fprintf(w, "  count = %d (written through %s)\n", inv.Count.Get(), n.mirror.Key())
	})
	return nil
}

// -----------------------------------------------------------------------------
// Deferred emissions
// -----------------------------------------------------------------------------

func runFuture(ctx context.Context, w io.Writer, cfg engine.Config) error {
	p, n, err := newInventory(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	seven := tree.LeafOf(7)
	if err := n.count.EmitAfter(20*time.Millisecond, &seven); err != nil {
		return err
	}
	fmt.Fprintf(w, "  outstanding = %d\n", p.Outstanding())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	passes := 0
	for p.Outstanding() > 0 {
		if _, err := p.Process(ctx); err != nil {
			return err
		}
		passes++
		time.Sleep(5 * time.Millisecond)
	}
	printApplied(w, p.Output())
	fmt.Fprintf(w, "  applied after %d passes\n", passes)
	return nil
}

func runCarry(ctx context.Context, w io.Writer, cfg engine.Config) error {
	p, n, err := newInventory(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	for pass := 1; pass <= 3; pass++ {
		err := n.count.EmitCarry(func(cur *tree.Leaf[int], dt time.Duration) *tree.Leaf[int] {
			next := tree.LeafOf(cur.Get() * 2)
			if next.Get() == 0 {
				next = tree.LeafOf(1)
			}
			return &next
		})
		if err != nil {
			return err
		}
		if _, err := p.Process(ctx); err != nil {
			return err
		}
	}
	printApplied(w, p.Output())
	p.Read(func(inv *Inventory) {
		fmt.Fprintf(w, "  count = %d\n", inv.Count.Get())
	})
	return nil
}
