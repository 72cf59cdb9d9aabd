package bootstrap

import (
	"io"
	"os"
	"time"

	"github.com/artpar/tablegate/config"
	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from logging config and sets the
// global level. A nil out writes to stdout.
func NewLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	SetLogLevel(cfg.Level)

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// SetLogLevel changes the global level. Unknown levels fall back to info.
func SetLogLevel(levelStr string) {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
