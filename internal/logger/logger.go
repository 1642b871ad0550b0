// Package logger owns the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is set once by Init at process start. Components derive their own
// sub-logger from it with With().Str("component", ...).
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// New builds a logger writing to w. format "console" produces human
// readable output; anything else is JSON.
func New(w io.Writer, level, format string) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Init replaces Logger with one built from level and format.
func Init(level, format string) {
	Logger = New(os.Stderr, level, format)
}

// Component returns a sub-logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Redact shortens a secret to its first and last four characters.
func Redact(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "…" + secret[len(secret)-4:]
}
