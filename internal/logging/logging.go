// Package logging constructs the process-wide zerolog.Logger. Every
// layer (bridge, relay node, router) takes a logger from here rather
// than reaching for a package-level global, so tests can inject a
// silent or buffered logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a JSON logger writing to w (os.Stderr when w is nil)
// tagged with the given component name, mirroring the teacher's
// "[gasoline] ..." stderr convention but structured.
func New(w io.Writer, component string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewConsole builds a human-readable logger on os.Stderr. relayd uses
// it by default and switches to JSON logging (New) under --no-ui, so
// headless runs emit machine-parseable logs.
func NewConsole(component string) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(cw).With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Nop returns a logger that discards everything, for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
