package util

import (
	"fmt"
	"log"
	"log/slog"
)

// SetupGlobalLogger routes the standard log package through slog so that
// third-party libraries logging via log.Printf end up in the same stream.
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger()})
}

type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	msg := string(p)
	if len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}
	w.logger.Info(msg)
	return len(p), nil
}

// Tracef logs a formatted message at debug level when verbose is enabled.
func Tracef(format string, v ...interface{}) {
	if IsVerbose() {
		GetLogger().Debug(fmt.Sprintf(format, v...))
	}
}
