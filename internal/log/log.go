// Package log bootstraps the process-wide zerolog logger, grounded on
// the teacher's cmd/cryptorun/main.go setup.
package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup configures the global zerolog logger. Pretty-prints to stderr
// when human is true (local/dev); otherwise emits structured JSON
// (container/production).
func Setup(level string, human bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var logger zerolog.Logger
	if human {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return logger
}
