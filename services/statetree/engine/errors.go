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

import "errors"

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInputClosed is returned by Scheduler.Run when the input channel is
	// closed. It is fatal for that engine.
	ErrInputClosed = errors.New("engine input closed")

	// ErrEngineClosed is returned when using an engine after Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilRoot is returned when an engine is created without a root state.
	ErrNilRoot = errors.New("root state must not be nil")

	// ErrAlreadyRunning is returned when Scheduler.Run is called twice.
	ErrAlreadyRunning = errors.New("scheduler already running")
)
