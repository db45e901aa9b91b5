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
	"context"
	"time"

	"github.com/AleutianAI/statetree/services/statetree/address"
)

// Reporter receives packets emitted by nodes.
type Reporter interface {
	Report(p address.Packet) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(p address.Packet) error

// Report calls f(p).
func (f ReporterFunc) Report(p address.Packet) error {
	return f(p)
}

// ChanReporter sends packets on a channel until done is closed.
//
// Thread Safety: Safe for concurrent use.
type ChanReporter struct {
	ch   chan<- address.Packet
	done <-chan struct{}
}

// NewChanReporter returns a reporter sending on ch. Once done is closed,
// Report returns ErrSinkClosed instead of blocking. done may be nil.
func NewChanReporter(ch chan<- address.Packet, done <-chan struct{}) *ChanReporter {
	return &ChanReporter{ch: ch, done: done}
}

// Report sends p, blocking while the channel is full.
func (r *ChanReporter) Report(p address.Packet) error {
	select {
	case <-r.done:
		return ErrSinkClosed
	default:
	}
	select {
	case r.ch <- p:
		return nil
	case <-r.done:
		return ErrSinkClosed
	}
}

// Deferred is an emission whose payload is produced later.
//
// Exactly one of Future and Carry is set.
type Deferred struct {
	// Key is the address the payload is emitted at.
	Key address.Key

	// Future computes the payload off the engine goroutine.
	Future func(ctx context.Context) ([]byte, error)

	// Carry computes the payload from the root as it is when the emission
	// resolves. dt is the time since the emission was scheduled.
	Carry func(root any, dt time.Duration) ([]byte, error)
}

// Deferrer is implemented by reporters that can track deferred emissions.
type Deferrer interface {
	Defer(d Deferred) error
}
