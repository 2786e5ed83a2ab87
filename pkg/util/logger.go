package util

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a configured zerolog.Logger with the specified log level.
func NewLogger(level zerolog.Level) zerolog.Logger {
	var logger zerolog.Logger
	stage := os.Getenv("STAGE")
	if strings.EqualFold(stage, "local") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Str("app", "ragledger-"+stage).
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("app", "ragledger-"+stage).
			Logger()
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	return logger.Level(level)
}

// LevelFromEnv reads LOG_LEVEL and falls back to the given level when it is
// unset or not a zerolog level name.
func LevelFromEnv(fallback zerolog.Level) zerolog.Level {
	raw := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if raw == "" {
		return fallback
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil || level == zerolog.NoLevel {
		return fallback
	}
	return level
}
