// Package observability wires metrics, structured logging and tracing for the binaries.
package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// NewLogger builds the root logger for a binary. Format "console" writes human readable lines;
// anything else writes JSON.
func NewLogger(service string, cfg LogConfig) zerolog.Logger {
	return newLogger(os.Stdout, service, cfg)
}

func newLogger(out io.Writer, service string, cfg LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
