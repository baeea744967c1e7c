// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Thermoquad/lpcflash/pkg/can"
	"github.com/Thermoquad/lpcflash/pkg/lpcflash"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxFlashLogLines = 10

// Messages
type flashProgressMsg lpcflash.Progress
type flashReportMsg string
type flashDoneMsg struct {
	err error
}

// TUI model
type flashModel struct {
	file     string
	connInfo string
	progress progress.Model
	spinner  spinner.Model
	current  lpcflash.Progress
	lines    []string
	partial  string
	started  time.Time
	done     bool
	err      error
	width    int
	cancel   context.CancelFunc
}

func newFlashModel(file, connInfo string, cancel context.CancelFunc) flashModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	return flashModel{
		file:     file,
		connInfo: connInfo,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		spinner:  s,
		current:  lpcflash.Progress{Phase: lpcflash.PhaseLoading},
		started:  time.Now(),
		width:    80,
		cancel:   cancel,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m flashModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m flashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// The flasher stops at its next step and the session is closed
			m.cancel()
			if m.done {
				return m, tea.Quit
			}
			m.addLine("Aborting...")
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = min(msg.Width-4, 60)

	case flashProgressMsg:
		m.current = lpcflash.Progress(msg)

	case flashReportMsg:
		m.appendReport(string(msg))

	case flashDoneMsg:
		m.done = true
		m.err = msg.err
		if m.partial != "" {
			m.addLine(m.partial)
			m.partial = ""
		}
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *flashModel) appendReport(text string) {
	text = m.partial + text
	parts := strings.Split(text, "\n")
	m.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		m.addLine(line)
	}
}

func (m *flashModel) addLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxFlashLogLines {
		m.lines = m.lines[len(m.lines)-maxFlashLogLines:]
	}
}

func (m flashModel) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(max(m.width-4, 40))

	var s strings.Builder

	s.WriteString(titleStyle.Render("lpcflash - Flash"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | %s", m.connInfo, m.file)))
	s.WriteString("\n\n")

	// Phase line
	phase := strings.ToUpper(string(m.current.Phase))
	switch {
	case m.done && m.err != nil:
		s.WriteString(errorStyle.Render("FAILED"))
	case m.done:
		s.WriteString(okStyle.Render("DONE"))
	default:
		s.WriteString(m.spinner.View() + " " + labelStyle.Render(phase))
	}
	if m.current.LastSector >= m.current.FirstSector && m.current.Phase != lpcflash.PhaseLoading {
		s.WriteString(headerStyle.Render(fmt.Sprintf("  sectors %d-%d", m.current.FirstSector, m.current.LastSector)))
	}
	s.WriteString("\n\n")

	s.WriteString(m.progress.ViewAs(m.current.Percentage / 100))
	s.WriteString("\n")
	s.WriteString(fmt.Sprintf("%s %s   %s %s\n\n",
		labelStyle.Render("Written:"), valueStyle.Render(fmt.Sprintf("%d bytes", m.current.BytesWritten)),
		labelStyle.Render("Elapsed:"), valueStyle.Render(time.Since(m.started).Round(100*time.Millisecond).String())))

	// Recent messages
	var recent strings.Builder
	for i, line := range m.lines {
		if i > 0 {
			recent.WriteString("\n")
		}
		recent.WriteString(styleLine(line))
	}
	if len(m.lines) == 0 {
		recent.WriteString(headerStyle.Render("waiting..."))
	}
	s.WriteString(boxStyle.Render(recent.String()))
	s.WriteString("\n")

	if m.done && m.err != nil {
		s.WriteString(errorStyle.Render("ERROR: " + describeError(m.err)))
		s.WriteString("\n")
	}
	if !m.done {
		s.WriteString(headerStyle.Render("ctrl+c to abort"))
		s.WriteString("\n")
	}

	return s.String()
}

// runFlashTUI runs the flasher in the background and drives the progress view
func runFlashTUI(ctx context.Context, bus can.Bus, target, connInfo, file string, hex io.Reader, mode lpcflash.GoMode, execAddr uint32) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newFlashModel(file, connInfo, cancel)
	p := tea.NewProgram(m)

	flasher := lpcflash.New(bus,
		lpcflash.WithConfig(flasherConfig()),
		lpcflash.WithLogger(log),
		lpcflash.WithReporter(lpcflash.ReporterFunc(func(text string) {
			p.Send(flashReportMsg(text))
		})),
		lpcflash.WithProgressCallback(func(pr lpcflash.Progress) {
			p.Send(flashProgressMsg(pr))
		}),
	)

	errCh := make(chan error, 1)
	go func() {
		err := flasher.Flash(ctx, target, hex, mode, execAddr)
		errCh <- err
		p.Send(flashDoneMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-errCh
		return fmt.Errorf("TUI error: %w", err)
	}

	// Program exited; wait for the session to be closed
	cancel()
	return <-errCh
}
