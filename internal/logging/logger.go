// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger installs a console logger on stderr as the global logger. Extra writers, such as
// an OpenTelemetry log writer, receive the raw JSON events.
func NewLogger(level zerolog.Level, extra ...io.Writer) *zerolog.Logger {
	writers := []io.Writer{zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})}
	writers = append(writers, extra...)
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	log.Logger = logger
	return &logger
}

// ParseLevel is zerolog.ParseLevel with an empty string meaning info.
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(s)
}
