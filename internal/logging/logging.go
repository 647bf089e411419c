// Package logging configures the process-wide zerolog logger and hands out
// per-module child loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var initOnce sync.Once

// Init sets the global level and output format. Safe to call more than once;
// only the first call configures time formatting.
func Init(level string, pretty bool) {
	InitWriter(os.Stderr, level, pretty)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string, pretty bool) {
	initOnce.Do(func() {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	})

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// For returns a child of the global logger tagged with the module name.
func For(module string) zerolog.Logger {
	return log.Logger.With().Str("module", module).Logger()
}

// Nop is a disabled logger for tests and optional collaborators.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
