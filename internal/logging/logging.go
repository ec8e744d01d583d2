// Package logging configures the zerolog logger shared by treefs packages.
package logging

import (
	stdlog "log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	slogzerolog "github.com/samber/slog-zerolog/v2"
)

// Init sets up the global logger. level is a zerolog level name ("debug",
// "info", "warn", "error"); anything unknown falls back to info.
func Init(level string) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	ctx := zerolog.New(output).With().Timestamp()
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	log.Debug().Str("level", lvl.String()).Msg("logger initialized")
}

// Get returns a logger for a specific component.
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewLogLogger returns a standard library logger writing through zerolog,
// for APIs such as http.Server.ErrorLog.
func NewLogLogger(component string) *stdlog.Logger {
	var lvl slog.Level
	switch zerolog.GlobalLevel() {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		lvl = slog.LevelDebug
	case zerolog.WarnLevel:
		lvl = slog.LevelWarn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	zlog := Get(component)
	handler := slogzerolog.Option{Level: lvl, Logger: &zlog}.NewZerologHandler()
	return slog.NewLogLogger(handler, slog.LevelError)
}
