// Package logging sets up the zerolog loggers shared by the builder and
// repo daemon, mirroring the single-format console+file setup the original
// buildbot configured through configure_logger in utils.py.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing human-readable output to stderr and,
// if logFile is non-empty, structured JSON lines appended to logFile.
func New(component string, logFile string) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	var w io.Writer = console
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			w = zerolog.MultiLevelWriter(console, f)
		}
	}

	return zerolog.New(w).With().
		Timestamp().
		Str("component", component).
		Logger()
}
