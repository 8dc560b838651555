// Package logging wires the engine's structured logging pipeline, a
// logiface logger backed by zerolog.
package logging

import (
	"io"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

type (
	// Event is the concrete logiface event type used throughout the module.
	Event = izerolog.Event

	// Logger is the logger type held by engine components. A nil *Logger is
	// valid and disables logging.
	Logger = logiface.Logger[*Event]

	// Context configures sub-loggers, see Logger.Clone.
	Context = logiface.Context[*Event]
)

// Levels, re-exported so callers need not import logiface directly.
const (
	LevelError = logiface.LevelError
	LevelInfo  = logiface.LevelInformational
	LevelDebug = logiface.LevelDebug
	LevelTrace = logiface.LevelTrace
)

// New initializes a Logger writing JSON lines to w at the given level.
func New(w io.Writer, level logiface.Level) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(
		izerolog.L.WithZerolog(zl),
		izerolog.L.WithLevel(level),
	)
}
