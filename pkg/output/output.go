// Package output provides terminal output formatting for the bridge CLI.
package output

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

// Printer handles terminal output with the teal theme.
type Printer struct {
	out    io.Writer
	logger *log.Logger
	isTTY  bool
}

// New creates a Printer writing to stdout.
func New() *Printer {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a Printer with a custom writer.
func NewWithWriter(w io.Writer) *Printer {
	isTTY := isTerminal(w)

	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	if isTTY {
		logger.SetStyles(tealStyles())
	}

	return &Printer{out: w, logger: logger, isTTY: isTTY}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// Info logs an info message with optional key-value pairs.
func (p *Printer) Info(msg string, keyvals ...any) {
	p.logger.Info(msg, keyvals...)
}

// Warn logs a warning message with optional key-value pairs.
func (p *Printer) Warn(msg string, keyvals ...any) {
	p.logger.Warn(msg, keyvals...)
}

// Error logs an error message with optional key-value pairs.
func (p *Printer) Error(msg string, keyvals ...any) {
	p.logger.Error(msg, keyvals...)
}

// Section prints a styled section heading.
func (p *Printer) Section(title string) {
	if p.isTTY {
		style := lipgloss.NewStyle().Foreground(ColorTeal).Bold(true)
		fmt.Fprintf(p.out, "\n%s\n", style.Render(title))
		return
	}
	fmt.Fprintf(p.out, "\n%s\n", title)
}

// KV prints an aligned key-value line.
func (p *Printer) KV(key string, value any) {
	if p.isTTY {
		keyStyle := lipgloss.NewStyle().Foreground(ColorMuted)
		fmt.Fprintf(p.out, "  %s %v\n", keyStyle.Render(fmt.Sprintf("%-14s", key)), value)
		return
	}
	fmt.Fprintf(p.out, "  %-14s %v\n", key, value)
}

// Println writes a plain line.
func (p *Printer) Println(args ...any) {
	fmt.Fprintln(p.out, args...)
}
