// Package logx wraps github.com/rs/zerolog with the process-wide logger
// setup and child-logger helpers Sink's components share. Grounded on
// pkg/log/log.go in the teacher repository.
package logx

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// Init configures the process-wide logger. level is one of
// "debug"/"info"/"warn"/"error"; json selects JSON output (for log
// aggregation) over the human-readable console writer. Safe to call more
// than once; only the first call takes effect.
func Init(level string, json bool) {
	once.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339

		var w io.Writer = os.Stderr
		if !json {
			w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}

		l := zerolog.New(w).With().Timestamp().Logger()
		l = l.Level(parseLevel(level))
		logger = l
	})
}

func parseLevel(level string) zerolog.Level {
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

// Logger returns the process-wide base logger, initializing a sane default
// (info level, console output) if Init was never called.
func Logger() zerolog.Logger {
	once.Do(func() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	})
	return logger
}

// WithComponent returns a child logger tagging every entry with the
// component field, mirroring the teacher's log.WithComponent.
func WithComponent(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// WithResourceID returns a child logger additionally tagging entries with
// the owning resource instance id, since every Sink process is scoped to
// exactly one resource.
func WithResourceID(component, resourceID string) zerolog.Logger {
	return Logger().With().Str("component", component).Str("resource_id", resourceID).Logger()
}
