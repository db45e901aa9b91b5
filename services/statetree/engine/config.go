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
	"log/slog"
	"time"

	"github.com/AleutianAI/statetree/pkg/logging"
	"github.com/AleutianAI/statetree/services/statetree/journal"
)

// Defaults used by DefaultConfig.
const (
	DefaultInputBuffer  = 256
	DefaultOutputBuffer = 256
	DefaultTickInterval = 16 * time.Millisecond
)

// Config configures a Processor or Scheduler.
type Config struct {
	// Logger receives engine logs. Default: slog.Default().
	Logger *slog.Logger

	// ErrorSink receives every error the engine or its nodes produce:
	// address errors, apply failures, failed emits and futures, handler
	// panics. Default: a throttled Warn log on Logger.
	ErrorSink func(error)

	// Journal, if set, records every applied packet.
	Journal *journal.Worker

	// InputBuffer is the capacity of the scheduler input channel and of
	// the future completion channel.
	InputBuffer int

	// OutputBuffer is the capacity of the Output channel. Notifications
	// that do not fit are dropped.
	OutputBuffer int

	// TickInterval is how often the scheduler resolves carried emissions.
	TickInterval time.Duration
}

// DefaultConfig returns a Config with defaults filled in.
func DefaultConfig() Config {
	return Config{
		InputBuffer:  DefaultInputBuffer,
		OutputBuffer: DefaultOutputBuffer,
		TickInterval: DefaultTickInterval,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.InputBuffer <= 0 {
		c.InputBuffer = DefaultInputBuffer
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = DefaultOutputBuffer
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ErrorSink == nil {
		throttled := slog.New(logging.Throttled(c.Logger.Handler(), time.Second, 10))
		c.ErrorSink = func(err error) {
			throttled.Warn("statetree engine error", slog.String("error", err.Error()))
		}
	}
	return c
}
