// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/statetree/pkg/logging"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeSync, cfg.Mode)
	assert.Equal(t, logging.LevelInfo, cfg.Level())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{"unknown mode", func(c *EngineConfig) { c.Mode = "batch" }},
		{"empty mode", func(c *EngineConfig) { c.Mode = "" }},
		{"zero input buffer", func(c *EngineConfig) { c.InputBuffer = 0 }},
		{"negative journal", func(c *EngineConfig) { c.JournalSize = -1 }},
		{"tick too short", func(c *EngineConfig) { c.TickInterval = Duration(time.Microsecond) }},
		{"unknown level", func(c *EngineConfig) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "statetree.yaml")

	cfg := Default()
	cfg.Mode = ModeAsync
	cfg.TickInterval = Duration(40 * time.Millisecond)
	cfg.LogLevel = "debug"
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tick_interval: 40ms")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	t.Run("save rejects invalid", func(t *testing.T) {
		bad := Default()
		bad.Mode = "x"
		assert.ErrorIs(t, Save(path, bad), ErrInvalidConfig)
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(dir, t.Name()+".yaml")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		return path
	}

	t.Run("missing keys keep defaults", func(t *testing.T) {
		cfg, err := Load(write(t, "mode: async\n"))
		require.NoError(t, err)
		assert.Equal(t, ModeAsync, cfg.Mode)
		assert.Equal(t, Default().InputBuffer, cfg.InputBuffer)
	})

	t.Run("integer tick interval", func(t *testing.T) {
		cfg, err := Load(write(t, "tick_interval: 5000000\n"))
		require.NoError(t, err)
		assert.Equal(t, 5*time.Millisecond, time.Duration(cfg.TickInterval))
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(write(t, "tick_interval: soon\n"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(write(t, "mode: [\n"))
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		_, err := Load(write(t, "output_buffer: 0\n"))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".statetree", "statetree.yaml")

	cfg, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	var onDisk EngineConfig
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, Default(), onDisk)
}

func TestEngineConfig_Conversions(t *testing.T) {
	cfg := Default()
	cfg.LogJSON = true
	cfg.LogLevel = "warn"

	logger := slog.Default()
	ec := cfg.Engine(logger, nil)
	assert.Same(t, logger, ec.Logger)
	assert.Equal(t, cfg.InputBuffer, ec.InputBuffer)
	assert.Equal(t, time.Duration(cfg.TickInterval), ec.TickInterval)
	assert.Nil(t, ec.Journal)

	lc := cfg.Logging("statetree")
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.True(t, lc.JSON)
	assert.Equal(t, "statetree", lc.Service)
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statetree.yaml")
	require.NoError(t, Save(path, Default()))

	var (
		mu   sync.Mutex
		seen []EngineConfig
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg EngineConfig) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, cfg)
		})
	}()

	updated := Default()
	updated.LogLevel = "debug"
	data := mustYAML(t, updated)
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, data, 0644)
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].LogLevel == "debug"
	}, 2*time.Second, 50*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func mustYAML(t *testing.T, cfg EngineConfig) []byte {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	return data
}
