// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command statetree runs demonstrations of the statetree engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/statetree/pkg/logging"
	"github.com/AleutianAI/statetree/services/statetree/config"
	"github.com/AleutianAI/statetree/services/statetree/journal"
)

var (
	// Flags
	configPath  string
	logLevel    string
	traceFlag   bool
	metricsFlag bool

	// Set up by the root PersistentPreRunE.
	settings config.EngineConfig
	logger   *logging.Logger
	shutdown func(context.Context) error

	rootCmd = &cobra.Command{
		Use:   "statetree",
		Short: "Reactive state tree engine demos",
		Long: `statetree drives a tree of addressable state through the
engine and shows the packets it applies.`,
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	demoCmd = &cobra.Command{
		Use:   "demo [scenario...]",
		Short: "Run scripted scenarios and print every applied packet",
		Long: `Scenarios: adder, list, optional, proxy, future, carry.
With no arguments every scenario runs. Only adder follows the configured
mode; the others always run on the synchronous processor.`,
		RunE: runDemo, // Defined in cmd_demo.go
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Run the world simulation and render it every frame",
		Long: `watch steps the simulation once per frame on the synchronous
processor, whatever the configured mode.`,
		RunE: runWatch, // Defined in cmd_watch.go
	}

	layoutCmd = &cobra.Command{
		Use:   "layout",
		Short: "Print the address map of the simulation state",
		RunE:  runLayout, // Defined in cmd_layout.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (created with defaults if missing)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&traceFlag, "trace", false, "export cascade spans to stderr")
	rootCmd.PersistentFlags().BoolVar(&metricsFlag, "metrics", false, "export cascade histograms to stderr on exit")

	demoCmd.Flags().BoolVar(&demoStats, "stats", false, "print engine counters after the scenarios")

	watchCmd.Flags().IntVar(&watchFrames, "frames", 0, "stop after this many frames (0 runs until interrupted)")
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "print frames as text even on a terminal")

	rootCmd.AddCommand(demoCmd, watchCmd, layoutCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// setup loads the config, builds the logger and installs telemetry.
func setup(cmd *cobra.Command, _ []string) error {
	settings = config.Default()
	if configPath != "" {
		loaded, err := config.LoadOrCreate(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		settings = loaded
	}
	if logLevel != "" {
		if _, err := logging.ParseLevel(logLevel); err != nil {
			return err
		}
		settings.LogLevel = logLevel
	}

	logConfig := settings.Logging("statetree")
	logConfig.Output = cmd.ErrOrStderr()
	logger = logging.New(logConfig)

	var err error
	shutdown, err = setupTelemetry(traceFlag, metricsFlag, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}
	return nil
}

func teardown(cmd *cobra.Command, _ []string) error {
	var err error
	if shutdown != nil {
		err = shutdown(context.WithoutCancel(cmd.Context()))
	}
	if logger != nil {
		_ = logger.Close()
	}
	return err
}

// newJournal returns a journal sized by the config, or nil when disabled.
func newJournal() *journal.Worker {
	if settings.JournalSize <= 0 {
		return nil
	}
	return journal.New(settings.JournalSize, logger.Slog())
}
