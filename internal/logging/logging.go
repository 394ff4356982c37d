// Package logging wires up the structured logger shared by every profiler
// component. It follows the call-shape of melisai's internal/output.Progress
// (quiet-mode-gated, stderr) on top of zerolog instead of a hand-rolled
// fmt.Fprintf ticker; each record is prefixed with a wall-clock timestamp,
// not the elapsed time Progress prints.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing a human-readable console format to
// stderr. When quiet is true, only warn-and-above records are emitted.
func New(quiet bool) zerolog.Logger {
	return NewTo(os.Stderr, quiet)
}

// NewTo builds a logger writing to an arbitrary writer, used by tests.
func NewTo(w io.Writer, quiet bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if quiet {
		level = zerolog.WarnLevel
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}
