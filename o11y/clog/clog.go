// Copyright 2023 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package clog provides context aware logging.
// It can store trace, spanID, and arbitrary labels on each context, so
// that a log entry automatically carries the build action it belongs to.
package clog

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

type contextKeyType int

var contextKey contextKeyType

var backend = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	Level:           log.InfoLevel,
})

// New creates a new Logger.
func New(ctx context.Context) *Logger {
	return &Logger{}
}

// NewContext sets the given logger to the context.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, contextKey, logger)
}

// NewSpan sets a new logger.Span with the given labels to the context.
func NewSpan(ctx context.Context, trace, spanID string, labels map[string]string) context.Context {
	logger, _ := ctx.Value(contextKey).(*Logger)
	return NewContext(ctx, logger.Span(trace, spanID, labels))
}

// FromContext returns a logger in the context, or a bare Logger if unset.
func FromContext(ctx context.Context) *Logger {
	logger, ok := ctx.Value(contextKey).(*Logger)
	if !ok || logger == nil {
		return &Logger{}
	}
	return logger
}

// Logger holds the trace, spanID, and arbitrary labels of the context.
type Logger struct {
	trace  string
	spanID string
	labels map[string]string
}

// Span returns a sub logger for the trace span.
func (l *Logger) Span(trace, spanID string, labels map[string]string) *Logger {
	return &Logger{trace: trace, spanID: spanID, labels: labels}
}

func (l *Logger) fields() []any {
	if l == nil {
		return nil
	}
	var kv []any
	if l.trace != "" {
		kv = append(kv, "trace", l.trace)
	}
	if l.spanID != "" {
		kv = append(kv, "span", l.spanID)
	}
	for k, v := range l.labels {
		kv = append(kv, k, v)
	}
	return kv
}

func (l *Logger) entry() *log.Logger {
	if fields := l.fields(); len(fields) > 0 {
		return backend.With(fields...)
	}
	return backend
}

// Info logs at info log level in the manner of fmt.Print.
func (l *Logger) Info(args ...any) { l.entry().Info(fmt.Sprint(args...)) }

// Infof logs at info log level in the manner of fmt.Printf.
func (l *Logger) Infof(format string, args ...any) { l.entry().Info(fmt.Sprintf(format, args...)) }

// Infof logs at info log level in the manner of fmt.Printf.
func Infof(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Infof(format, args...)
}

// Warning logs at warning log level in the manner of fmt.Print.
func (l *Logger) Warning(args ...any) { l.entry().Warn(fmt.Sprint(args...)) }

// Warningf logs at warning log level in the manner of fmt.Printf.
func (l *Logger) Warningf(format string, args ...any) { l.entry().Warn(fmt.Sprintf(format, args...)) }

// Warningf logs at warning log level in the manner of fmt.Printf.
func Warningf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Warningf(format, args...)
}

// Error logs at error log level in the manner of fmt.Print.
func (l *Logger) Error(args ...any) { l.entry().Error(fmt.Sprint(args...)) }

// Errorf logs at error log level in the manner of fmt.Printf.
func (l *Logger) Errorf(format string, args ...any) { l.entry().Error(fmt.Sprintf(format, args...)) }

// Errorf logs at error log level in the manner of fmt.Printf.
func Errorf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Errorf(format, args...)
}

// Fatalf logs at fatal log level in the manner of fmt.Printf, and exits.
func (l *Logger) Fatalf(format string, args ...any) { l.entry().Fatal(fmt.Sprintf(format, args...)) }

// Fatalf logs at fatal log level in the manner of fmt.Printf, and exits.
func Fatalf(ctx context.Context, format string, args ...any) {
	FromContext(ctx).Fatalf(format, args...)
}

// V reports whether verbose logging at level is enabled.
// Levels up to 1 are enabled when the backend is at debug level;
// levels 2 and above are never enabled.
func (l *Logger) V(level int) bool {
	return level <= 1 && backend.GetLevel() <= log.DebugLevel
}

// Close is a no-op; charmbracelet/log has no buffered flush to drain.
func (l *Logger) Close() {}
