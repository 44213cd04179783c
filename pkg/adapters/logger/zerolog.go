// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keysign.
//
// go-keysign is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ZerologAdapter wraps a zerolog.Logger to implement the Logger interface
type ZerologAdapter struct {
	logger zerolog.Logger
}

// ZerologConfig configures the zerolog adapter
type ZerologConfig struct {
	// Writer receives output. Defaults to os.Stderr.
	Writer io.Writer

	// Level is the minimum log level to output
	Level Level

	// Console renders human-friendly output instead of JSON
	Console bool
}

// NewZerologAdapter creates a zerolog-backed adapter. Console mode adds
// caller and stack information for development use.
func NewZerologAdapter(config *ZerologConfig) *ZerologAdapter {
	if config == nil {
		config = &ZerologConfig{}
	}
	w := config.Writer
	if w == nil {
		w = os.Stderr
	}
	level := levelToZerolog(config.Level)

	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	if config.Console {
		l = l.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			With().Caller().Stack().Logger()
	}
	return &ZerologAdapter{logger: l}
}

// NewZerologAdapterFrom wraps an existing zerolog logger
func NewZerologAdapterFrom(l zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: l}
}

// Debug logs a debug message
func (z *ZerologAdapter) Debug(msg string, fields ...Field) {
	withFields(z.logger.Debug(), fields).Msg(msg)
}

// Info logs an informational message
func (z *ZerologAdapter) Info(msg string, fields ...Field) {
	withFields(z.logger.Info(), fields).Msg(msg)
}

// Warn logs a warning message
func (z *ZerologAdapter) Warn(msg string, fields ...Field) {
	withFields(z.logger.Warn(), fields).Msg(msg)
}

// Error logs an error message
func (z *ZerologAdapter) Error(msg string, fields ...Field) {
	withFields(z.logger.Error(), fields).Msg(msg)
}

// Fatal logs a fatal message and exits
func (z *ZerologAdapter) Fatal(msg string, fields ...Field) {
	withFields(z.logger.Fatal(), fields).Msg(msg)
}

// With creates a child logger with the given fields
func (z *ZerologAdapter) With(fields ...Field) Logger {
	ctx := z.logger.With()
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			ctx = ctx.AnErr(f.Key, v)
		default:
			ctx = ctx.Interface(f.Key, v)
		}
	}
	return &ZerologAdapter{logger: ctx.Logger()}
}

// WithError creates a child logger with an error field
func (z *ZerologAdapter) WithError(err error) Logger {
	return &ZerologAdapter{logger: z.logger.With().Err(err).Logger()}
}

// Zerolog returns the underlying zerolog logger
func (z *ZerologAdapter) Zerolog() zerolog.Logger {
	return z.logger
}

func withFields(e *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			e = e.Str(f.Key, v)
		case int:
			e = e.Int(f.Key, v)
		case int64:
			e = e.Int64(f.Key, v)
		case bool:
			e = e.Bool(f.Key, v)
		case time.Duration:
			e = e.Dur(f.Key, v)
		case error:
			e = e.AnErr(f.Key, v)
		case []string:
			e = e.Strs(f.Key, v)
		default:
			e = e.Interface(f.Key, v)
		}
	}
	return e
}

func levelToZerolog(level Level) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
