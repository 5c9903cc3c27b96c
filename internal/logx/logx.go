// Package logx builds the process logger.
package logx

import (
	"io"
	"log/slog"
	"os"
)

// New returns a text logger writing to w, or os.Stderr when w is nil.
// verbose lowers the level to debug.
func New(w io.Writer, verbose bool, format string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
