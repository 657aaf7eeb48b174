package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/bilal/esphomebot/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger on stderr.
func Init(lcfg config.LoggingConfig) {
	InitWriter(lcfg, os.Stderr)
}

// InitWriter is Init with an explicit output.
func InitWriter(lcfg config.LoggingConfig, out io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(lcfg.Level))

	// format
	if strings.ToLower(lcfg.Format) == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Str("service", "esphomebot").Logger()
}

// ParseLevel maps a config level name to zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
