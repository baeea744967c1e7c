// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/Thermoquad/lpcflash/pkg/lpcflash"
	"github.com/Thermoquad/lpcflash/pkg/sdo"
	"github.com/charmbracelet/lipgloss"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	sectorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// consoleReporter prints sequencer messages as they arrive. Sector headers
// and the final line are highlighted; step lines are dimmed.
type consoleReporter struct {
	mu  sync.Mutex
	out io.Writer
	// partial holds text not yet terminated by a newline
	partial strings.Builder
}

func newConsoleReporter(out io.Writer) *consoleReporter {
	return &consoleReporter{out: out}
}

var _ lpcflash.Reporter = (*consoleReporter)(nil)

func (r *consoleReporter) Report(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partial.WriteString(text)
	buffered := r.partial.String()
	idx := strings.LastIndexByte(buffered, '\n')
	if idx < 0 {
		return
	}
	r.partial.Reset()
	r.partial.WriteString(buffered[idx+1:])

	for _, line := range strings.Split(buffered[:idx], "\n") {
		fmt.Fprintln(r.out, styleLine(line))
	}
}

func styleLine(line string) string {
	switch {
	case strings.HasPrefix(line, "Write sector"):
		return sectorStyle.Render(line)
	case strings.HasPrefix(line, "  "):
		return detailStyle.Render(line)
	case line == "Finished.":
		return okStyle.Render(line)
	case strings.HasPrefix(line, "ERROR:"):
		return errorStyle.Render(line)
	}
	return line
}

// Error prints err as the single ERROR line the flasher ends with
func (r *consoleReporter) Error(err error) {
	r.Report(fmt.Sprintf("ERROR: %s\n", describeError(err)))
}

// describeError adds a hint for the failures a user can act on
func describeError(err error) string {
	var (
		terr *lpcflash.TransportError
		verr *lpcflash.VerifyError
	)
	switch {
	case errors.Is(err, sdo.ErrTimeout):
		return err.Error() + " (is the device in ISP mode and the bitrate right?)"
	case errors.As(err, &terr):
		return err.Error() + " (check the adapter connection)"
	case errors.As(err, &verr):
		return err.Error() + " (flash may be worn; retry or erase first)"
	}
	return err.Error()
}

// field prints an aligned "label: value" line
func field(label string, value any) {
	fmt.Fprintf(os.Stdout, "%s %v\n", labelStyle.Render(fmt.Sprintf("%-14s", label+":")), valueStyle.Render(fmt.Sprint(value)))
}
