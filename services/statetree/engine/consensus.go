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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/statetree/services/statetree/tree"
)

// Consensus owns the canonical root state.
//
// Description:
//
//	Only the engine that created the Consensus applies messages, under the
//	write lock. Everyone else reads through Read, which takes the read lock,
//	so readers never block each other. The root pointer never changes;
//	Restore replaces the value behind it.
//
// Thread Safety: Safe for concurrent use.
type Consensus[T any] struct {
	mu   sync.RWMutex
	root *T

	generation atomic.Int64

	// lastApply is owned by the engine goroutine.
	lastApply time.Time
}

// NewConsensus wraps root. *T must be a state.
func NewConsensus[T any](root *T) (*Consensus[T], error) {
	if root == nil {
		return nil, ErrNilRoot
	}
	if !tree.IsState(root) {
		return nil, fmt.Errorf("%w: %T", tree.ErrNotState, root)
	}
	return &Consensus[T]{root: root}, nil
}

// Read calls fn with the root under the read lock. fn must not retain the
// pointer or anything reached through it.
func (c *Consensus[T]) Read(fn func(root *T)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(c.root)
}

// Generation returns the number of applies so far.
func (c *Consensus[T]) Generation() int64 {
	return c.generation.Load()
}

// Snapshot serializes the root.
func (c *Consensus[T]) Snapshot() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return tree.Marshal(c.root)
}

// Restore replaces the root with a snapshot taken by Snapshot. It counts as
// one apply.
func (c *Consensus[T]) Restore(data []byte) error {
	fresh := new(T)
	if err := tree.Unmarshal(data, fresh); err != nil {
		return fmt.Errorf("restore: %w: %w", tree.ErrMalformedPayload, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	*c.root = *fresh
	c.generation.Add(1)
	return nil
}

// apply mutates the root under the write lock.
//
// Outputs:
//   - int64: The generation after the apply.
//   - time.Duration: Time since the previous apply, zero for the first.
//   - error: Non-nil if msg could not be applied; the generation is
//     unchanged.
func (c *Consensus[T]) apply(msg tree.Message) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := tree.Apply(c.root, msg); err != nil {
		return c.generation.Load(), 0, err
	}

	now := time.Now()
	var elapsed time.Duration
	if !c.lastApply.IsZero() {
		elapsed = now.Sub(c.lastApply)
	}
	c.lastApply = now
	return c.generation.Add(1), elapsed, nil
}

// current returns the root pointer for the engine goroutine, which is the
// only writer and may read without the lock.
func (c *Consensus[T]) current() any {
	return c.root
}
