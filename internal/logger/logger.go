// Package logger builds the process-wide logrus logger.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger writing human-readable lines to stdout.
// The level comes from LANBEAM_LOG_LEVEL and defaults to info.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	level, err := logrus.ParseLevel(os.Getenv("LANBEAM_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
