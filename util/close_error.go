// Package util holds small helpers shared by every package.
package util

import (
	"io"

	"github.com/rs/zerolog/log"
)

// Close closes c and hands any error to errorHandlers. Response bodies are closed with no
// handlers since there is nothing useful to do with the error.
func Close(c io.Closer, errorHandlers ...func(error)) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		for _, f := range errorHandlers {
			f(err)
		}
	}
}

// LogError returns a handler for Close that logs the error as a warning.
func LogError(msg string) func(error) {
	return func(err error) {
		log.Warn().Err(err).Msg(msg)
	}
}
