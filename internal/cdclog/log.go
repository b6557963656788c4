// Package cdclog builds the process-wide zerolog.Logger from LoggingConfig.
package cdclog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/pgflux/pgflux/internal/config"
)

// New builds a logger writing console or JSON output per cfg.
func New(cfg config.LoggingConfig) zerolog.Logger {
	var out io.Writer
	switch cfg.Format {
	case "json":
		out = os.Stdout
	default:
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
