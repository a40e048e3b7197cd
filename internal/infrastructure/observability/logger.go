package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a JSON logger on stdout. In dev mode output is a
// human-readable console instead.
func NewLogger(level string, dev bool) *zerolog.Logger {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	var w io.Writer = os.Stdout
	if dev {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Str("version", Version).Logger()
	return &logger
}

// Component derives a child logger tagged with the subsystem name.
func Component(l *zerolog.Logger, name string) *zerolog.Logger {
	c := l.With().Str("component", name).Logger()
	return &c
}
