package util

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	logger  atomic.Pointer[slog.Logger]
	verbose atomic.Bool
)

// InitLogger initializes the global slog logger with appropriate level
func InitLogger(v bool) {
	InitLoggerTo(os.Stdout, v)
}

// InitLoggerTo is InitLogger writing to w instead of stdout.
func InitLoggerTo(w io.Writer, v bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	verbose.Store(v)
	if v {
		opts.Level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(w, opts)
	l := slog.New(handler)
	logger.Store(l)
	slog.SetDefault(l)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	// Fallback initialization with INFO level
	InitLogger(IsVerbose())
	return logger.Load()
}

// IsVerbose reports whether debug logging was requested, either through
// InitLogger or the --verbose command line flag.
func IsVerbose() bool {
	if verbose.Load() {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return false
}
