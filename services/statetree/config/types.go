// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads engine settings from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/statetree/pkg/logging"
	"github.com/AleutianAI/statetree/services/statetree/engine"
	"github.com/AleutianAI/statetree/services/statetree/journal"
)

// Engine modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// MinTickInterval is the smallest accepted tick_interval.
const MinTickInterval = time.Millisecond

// ErrInvalidConfig is returned when a config fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// EngineConfig is the on-disk engine configuration.
type EngineConfig struct {
	// Mode selects the Processor ("sync") or the Scheduler ("async").
	Mode string `yaml:"mode" validate:"required,oneof=sync async"`

	InputBuffer  int      `yaml:"input_buffer" validate:"gte=1,lte=1048576"`
	OutputBuffer int      `yaml:"output_buffer" validate:"gte=1,lte=1048576"`
	TickInterval Duration `yaml:"tick_interval" validate:"mintick"`

	// JournalSize bounds the applied-packet journal. 0 disables it.
	JournalSize int `yaml:"journal_size" validate:"gte=0"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	LogJSON  bool   `yaml:"log_json"`
	LogDir   string `yaml:"log_dir,omitempty"`
}

// Default returns the built-in configuration.
func Default() EngineConfig {
	return EngineConfig{
		Mode:         ModeSync,
		InputBuffer:  engine.DefaultInputBuffer,
		OutputBuffer: engine.DefaultOutputBuffer,
		TickInterval: Duration(engine.DefaultTickInterval),
		JournalSize:  1024,
		LogLevel:     "info",
	}
}

// Validate checks the struct tags.
func (c EngineConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Level returns the parsed log level.
func (c EngineConfig) Level() logging.Level {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return level
}

// Logging returns the logger configuration for service.
func (c EngineConfig) Logging(service string) logging.Config {
	return logging.Config{
		Level:   c.Level(),
		JSON:    c.LogJSON,
		LogDir:  c.LogDir,
		Service: service,
	}
}

// Engine returns the engine configuration. j may be nil.
func (c EngineConfig) Engine(logger *slog.Logger, j *journal.Worker) engine.Config {
	return engine.Config{
		Logger:       logger,
		Journal:      j,
		InputBuffer:  c.InputBuffer,
		OutputBuffer: c.OutputBuffer,
		TickInterval: time.Duration(c.TickInterval),
	}
}

// -----------------------------------------------------------------------------
// Duration
// -----------------------------------------------------------------------------

// Duration is a time.Duration written as "16ms" in YAML.
type Duration time.Duration

// MarshalYAML writes d in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts "16ms" style strings or integer nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := node.Decode(&ns); err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(ns)
	return nil
}

// String returns the time.Duration form.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("mintick", validateMinTick)
}

// validateMinTick rejects tick intervals below MinTickInterval.
func validateMinTick(fl validator.FieldLevel) bool {
	return time.Duration(fl.Field().Int()) >= MinTickInterval
}
