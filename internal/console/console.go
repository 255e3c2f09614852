// Package console implements the formatted print sink of spec.md §4.1
// ("formatted print sink") and the panic/backtrace printer of §7.3
// ("internal errors... print a backtrace and halt"). The console device
// itself is an external collaborator (spec.md §1, §6 "Console"); this
// package only owns the formatting layer sitting in front of it.
package console

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/charmbracelet/x/ansi"
)

// Device is the external collaborator a platform provides: anything that
// can receive raw bytes and, optionally, report whether it understands SGR
// escape sequences (spec.md §6 "Console").
type Device interface {
	io.Writer
}

// ANSICapable is implemented by a Device that wants styled output passed
// through unmodified. A Device that doesn't implement it (a plain serial
// port, a log file) gets its escape sequences stripped instead, the same
// way the teacher strips VT control sequences before treating terminal
// content as plain text.
type ANSICapable interface {
	ANSICapable() bool
}

// Sink wraps a platform Device, applying SGR styling when the device
// supports it and stripping styling to plain text otherwise. It is the one
// place this repository depends on github.com/charmbracelet/x/ansi outside
// of the teacher's own terminal-emulation code.
type Sink struct {
	dev    Device
	styled bool
}

// NewSink wraps dev. If dev implements ANSICapable, its answer decides
// whether styling is applied; otherwise styling defaults to off (the
// conservative choice for an unknown console, e.g. a freshly registered
// NS16550 UART with no capability query).
func NewSink(dev Device) *Sink {
	s := &Sink{dev: dev}
	if capable, ok := dev.(ANSICapable); ok {
		s.styled = capable.ANSICapable()
	}
	return s
}

const (
	styleReset = "\x1b[0m"
	styleBold  = "\x1b[1m"
	styleRed   = "\x1b[31m"
	styleCyan  = "\x1b[36m"
)

// Write implements io.Writer, passing bytes through unmodified. Used when a
// caller already has pre-formatted text (e.g. a command's own output).
func (s *Sink) Write(p []byte) (int, error) {
	return s.dev.Write(p)
}

// Printf writes a plain informational line, stripped of any embedded
// styling when the underlying device is not ANSI-capable.
func (s *Sink) Printf(format string, args ...any) {
	s.emit("", format, args...)
}

// Errorf writes a line styled as an error (bold red) when supported.
func (s *Sink) Errorf(format string, args ...any) {
	s.emit(styleBold+styleRed, format, args...)
}

// Debugf writes a line styled as low-priority diagnostic text (cyan) when
// supported.
func (s *Sink) Debugf(format string, args ...any) {
	s.emit(styleCyan, format, args...)
}

func (s *Sink) emit(style, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if !s.styled {
		line = ansi.Strip(style + line + styleReset)
	} else if style != "" {
		line = style + line + styleReset
	}
	fmt.Fprintln(s.dev, line)
}

// Backtrace renders a captured stack (spec.md §7.3 "print a backtrace and
// halt"; the capture itself belongs here, its pretty-printing is out of
// scope per spec.md §1 — this emits the same plain form runtime/debug
// already produces, matching the Non-goal's boundary exactly). Nothing in
// this repository calls it, and no command loop recovers panics.
func (s *Sink) Backtrace(cause any) {
	s.Errorf("internal error: %v", cause)
	fmt.Fprint(s.dev, ansi.Strip(string(debug.Stack())))
}
