// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"sync"

	"github.com/AleutianAI/statetree/services/statetree/address"
)

// Bindings records which node each proxy address indirects to. A binding
// is made once and never changes.
//
// Thread Safety: Safe for concurrent use.
type Bindings struct {
	mu sync.RWMutex
	m  map[address.Canonical]Node[any]
}

// NewBindings returns an empty registry.
func NewBindings() *Bindings {
	return &Bindings{m: make(map[address.Canonical]Node[any])}
}

// Bind associates key with subject.
//
// Outputs:
//   - error: *BindError if key already has a subject.
func (b *Bindings) Bind(key address.Key, subject Node[any]) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ck := key.Canonical()
	if _, ok := b.m[ck]; ok {
		return &BindError{Key: key.Clone()}
	}
	b.m[ck] = subject
	return nil
}

// Lookup returns the subject bound at key.
func (b *Bindings) Lookup(key address.Key) (Node[any], bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n, ok := b.m[key.Canonical()]
	return n, ok
}

// Len returns the number of bound proxies.
func (b *Bindings) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.m)
}
