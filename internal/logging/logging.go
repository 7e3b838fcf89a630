// Package logging provides structured logging helpers shared by all
// components.
//
// Loggers are dependency-injected, never global. A component receives a
// *slog.Logger in its Config, resolves it once with Default, and scopes it
// at construction time with With("component", ...). Output format, level,
// and destination are decided only in main().
//
// Logging is intentionally sparse: lifecycle boundaries are the intended
// log points. Hot paths (append, dispatch, cursor iteration) stay silent.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything. It is the default when a
// component is constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger:
//
//	func New(cfg Config) *Thing {
//	    logger := logging.Default(cfg.Logger).With("component", "thing")
//	    ...
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
