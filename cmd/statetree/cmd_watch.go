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
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/statetree/pkg/logging"
	"github.com/AleutianAI/statetree/services/statetree/config"
	"github.com/AleutianAI/statetree/services/statetree/engine"
)

var (
	watchFrames int
	watchPlain  bool
)

// recentPackets is how many applied packets the view keeps.
const recentPackets = 8

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg := settings.Engine(logger.Slog(), newJournal())
	if cfg.Journal != nil {
		defer cfg.Journal.Close()
	}
	s, err := newSim(cfg)
	if err != nil {
		return err
	}
	defer s.close()

	if configPath != "" {
		go func() {
			_ = config.Watch(ctx, configPath, func(updated config.EngineConfig) {
				logger.SetLevel(updated.Level())
				logger.Slog().Info("log level changed", "level", updated.LogLevel)
			})
		}()
	}

	interval := time.Duration(settings.TickInterval)
	out := cmd.OutOrStdout()
	if watchPlain || !isTerminal(out) {
		return watchText(ctx, out, s, interval)
	}

	// Logs would tear the screen.
	logger.SetLevel(logging.LevelError)

	model := newWatchModel(ctx, s, interval, watchFrames)
	final, err := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(out)).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil {
		return m.err
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// watchText prints one line per frame until frames are done or ctx ends.
func watchText(ctx context.Context, w io.Writer, s *sim, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for watchFrames == 0 || s.frame < watchFrames {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		applied, err := s.step(ctx)
		if err != nil {
			return err
		}
		v := s.view()
		fmt.Fprintf(w, "frame=%d applied=%d elapsed=%.2fs counters=%v total=%d mirror=%d focus=%s\n",
			s.frame, applied, v.Elapsed, v.Counters, v.Total, v.Mirror, focusText(v))
	}
	return nil
}

func focusText(v view) string {
	if !v.Focused {
		return "none"
	}
	return fmt.Sprintf("%q", v.Focus)
}

// -----------------------------------------------------------------------------
// Bubbletea model
// -----------------------------------------------------------------------------

type frameMsg time.Time

type watchModel struct {
	ctx      context.Context
	sim      *sim
	interval time.Duration
	limit    int

	view    view
	applied int
	recent  []engine.Applied
	err     error
}

func newWatchModel(ctx context.Context, s *sim, interval time.Duration, limit int) watchModel {
	return watchModel{ctx: ctx, sim: s, interval: interval, limit: limit}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return frameMsg(t) })
}

// Init implements tea.Model.
func (m watchModel) Init() tea.Cmd {
	return m.tick()
}

// Update implements tea.Model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case frameMsg:
		n, err := m.sim.step(m.ctx)
		if err != nil {
			m.err = err
			return m, tea.Quit
		}
		m.applied += n
		m.view = m.sim.view()
		m.collect()
		if m.limit > 0 && m.sim.frame >= m.limit {
			return m, tea.Quit
		}
		return m, m.tick()
	}
	return m, nil
}

// collect keeps the last recentPackets notifications.
func (m *watchModel) collect() {
	for {
		select {
		case a, ok := <-m.sim.proc.Output():
			if !ok {
				return
			}
			m.recent = append(m.recent, a)
			if len(m.recent) > recentPackets {
				m.recent = m.recent[len(m.recent)-recentPackets:]
			}
		default:
			return
		}
	}
}

// View implements tea.Model.
func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("statetree watch"))
	b.WriteString(statsStyle.Render(fmt.Sprintf("  frame %d  applied %d  generation %d",
		m.sim.frame, m.applied, m.sim.proc.Generation())))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-10s", label)))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}
	row("elapsed", fmt.Sprintf("%.2fs (%d frames)", m.view.Elapsed, m.view.Frames))
	row("counters", fmt.Sprintf("%v", m.view.Counters))
	row("total", fmt.Sprintf("%d", m.view.Total))
	row("mirror", fmt.Sprintf("%d", m.view.Mirror))
	row("focus", focusText(m.view))

	b.WriteString("\n")
	var lines []string
	for _, a := range m.recent {
		lines = append(lines, fmt.Sprintf("#%-6d %-12s %s", a.Generation, a.Packet.Key, a.Message))
	}
	b.WriteString(packetBoxStyle.Render(strings.Join(lines, "\n")))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("q: quit"))
	b.WriteString("\n")
	return b.String()
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	packetBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("241")).
			Padding(0, 1).
			Width(72)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)
)
