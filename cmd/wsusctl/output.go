package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorOK    = lipgloss.Color("#2CD7C7")
	colorWarn  = lipgloss.Color("#F4D03F")
	colorError = lipgloss.Color("#E74C3C")
	colorMuted = lipgloss.Color("#5C7A84")
)

var styles = struct {
	Title   lipgloss.Style
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Summary lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorOK),
	OK:      lipgloss.NewStyle().Foreground(colorOK),
	Warn:    lipgloss.NewStyle().Foreground(colorWarn),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Summary: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted).Padding(0, 1),
}

// printer writes progress lines, colored by their status tag when stdout
// is a terminal.
type printer struct {
	w      io.Writer
	styled bool
}

func newPrinter() *printer {
	fd := os.Stdout.Fd()
	return &printer{w: os.Stdout, styled: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)}
}

// toStderr moves progress output off stdout.
func (p *printer) toStderr() {
	fd := os.Stderr.Fd()
	p.w = os.Stderr
	p.styled = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (p *printer) line(s string) {
	fmt.Fprintln(p.w, p.style(s))
}

func (p *printer) linef(format string, args ...any) {
	p.line(fmt.Sprintf(format, args...))
}

// box frames a block of text, such as a final summary.
func (p *printer) box(s string) {
	if !p.styled {
		fmt.Fprintln(p.w, s)
		return
	}
	fmt.Fprintln(p.w, styles.Summary.Render(s))
}

func (p *printer) style(s string) string {
	if !p.styled {
		return s
	}
	trimmed := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(trimmed, "==="):
		if strings.Contains(trimmed, " FAILED ") {
			return styles.Error.Bold(true).Render(s)
		}
		if strings.Contains(trimmed, " CANCELLED ") {
			return styles.Warn.Bold(true).Render(s)
		}
		return styles.Title.Render(s)
	case hasTag(trimmed, "[PASS]", "[OK]"):
		return styles.OK.Render(s)
	case hasTag(trimmed, "[FAIL]", "[ERROR]", "[ERR]"):
		return styles.Error.Render(s)
	case hasTag(trimmed, "[WARN]", "[WARNING]", "[FALLBACK]", "[SIMULATION]"):
		return styles.Warn.Render(s)
	case hasTag(trimmed, "[SKIP]"):
		return styles.Muted.Render(s)
	}
	return s
}

func hasTag(s string, tags ...string) bool {
	for _, t := range tags {
		if strings.HasPrefix(s, t) {
			return true
		}
	}
	return false
}
