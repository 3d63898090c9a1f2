// Package logger provides utilities for working with [zerolog]
// and [context.Context].
package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// New initializes a logger for commands and tests: human-readable
// console output in development mode, JSON otherwise.
func New(devMode bool) zerolog.Logger {
	if devMode {
		w := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Caller().Logger()
	}
	return zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// WithContext attaches l to a copy of ctx, for retrieval
// with zerolog.Ctx.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}
