// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine owns canonical state and turns emitted packets into
// applied changes.
//
// # Overview
//
// A packet is emitted by a node, queued in a cascade, decoded against the
// state layout, applied under the consensus lock and then dispatched to the
// handlers along its path. Handlers may emit more packets; those join the
// same cascade. A cascade ends when its queue is empty.
//
//	emit ──► cascade queue ──► decode ──► Consensus.apply ──► Output
//	              ▲                                │
//	              └────────── handlers ◄───────────┘
//
// Within one cascade an address is applied at most once. Cycles between
// handlers therefore always terminate.
//
// # Engines
//
// Every root packet starts its own cascade in both engines. Processor is
// synchronous: emits queue up until Process runs their cascades one after
// another. Scheduler is asynchronous: Run owns the state on its goroutine
// and interleaves independent cascades.
//
// # Deferred Emissions
//
// Futures (EmitFuture, EmitAfter) run on their own goroutines and start a
// new cascade when they complete. Carries (EmitCarry) are resolved against
// the state at the time they apply, on the next Process or tick.
//
// # Observability
//
// Applied packets are published on Output (dropped when full) and, with a
// Config.Journal, recorded in the journal. Prometheus counters track
// applied, deduplicated, coalesced and failed packets; each cascade is an
// OpenTelemetry span.
package engine
