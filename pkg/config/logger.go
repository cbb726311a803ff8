package config

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// NewSpanLogger builds the JSON logger backing the log exporter. An empty
// path keeps stdout; an unopenable path falls back to stdout with a warning.
func NewSpanLogger(path string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.DateTime,
	})
	if path == "" {
		return logger
	}
	out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logrus.WithError(err).Warn("tracebus couldn't open span log, keeping stdout")
		return logger
	}
	logger.SetOutput(out)
	return logger
}
