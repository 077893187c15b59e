package camaudio

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var defaultLogger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
	defaultLogger.Store(&l)
}

// DefaultLogger returns the package logger used when a component is built
// without an explicit one.
func DefaultLogger() zerolog.Logger {
	return *defaultLogger.Load()
}

// SetLogger replaces the package logger. Components already constructed keep
// the logger they were built with.
func SetLogger(l zerolog.Logger) {
	defaultLogger.Store(&l)
}

// componentLogger derives a child logger tagged with the component name.
func componentLogger(base *zerolog.Logger, component string) zerolog.Logger {
	if base == nil {
		l := DefaultLogger()
		base = &l
	}
	return base.With().Str("component", component).Logger()
}
