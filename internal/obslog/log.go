// Package obslog builds the shared logrus logger used by every component.
// It is constructed once at startup and threaded through by constructor
// injection, the pattern the teacher repo uses in every services/*.go
// file (each service builds its own logrus.New(), which this package
// centralizes so formatting and rotation are configured in one place).
package obslog

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"deltabridge/internal/config"
)

// New builds the root logger from Logging config.
func New(cfg config.Logging) *logrus.Logger {
	log := logrus.New()

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Level) {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	var out io.Writer = os.Stdout
	if cfg.Output != "" && cfg.Output != "stdout" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		})
	}
	log.SetOutput(out)

	return log
}

// Component returns a child entry tagged with the owning component, the
// convention every package below uses instead of untagged log lines.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
