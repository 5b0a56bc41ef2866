package logging

import (
	"log"
	"strings"
)

// levelWriter forwards raw writes to a structured logger at a fixed level.
type levelWriter struct {
	logger Logger
	level  Level
}

// Write implements io.Writer.
func (w *levelWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")

	switch w.level {
	case DebugLevel:
		w.logger.Debug(msg)
	case WarnLevel:
		w.logger.Warn(msg)
	case ErrorLevel:
		w.logger.Error(msg)
	default:
		w.logger.Info(msg)
	}

	return len(p), nil
}

// StdLogger returns a *log.Logger that forwards to the structured logger at
// the given level. Intended for APIs that only accept the standard library
// logger, such as http.Server.ErrorLog.
func StdLogger(logger Logger, component string, level Level) *log.Logger {
	return log.New(&levelWriter{
		logger: logger.WithFields(String("component", component)),
		level:  level,
	}, "", 0)
}
