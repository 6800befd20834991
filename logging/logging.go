// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"epona/config"
)

// Setup applies cfg to the standard logrus logger. Output always goes to
// stderr; a rotated file is added when cfg.File.Path is set.
func Setup(cfg config.LogConfig) error {
	return Configure(log.StandardLogger(), cfg, os.Stderr)
}

// Configure applies cfg to logger, writing to base plus the optional file.
func Configure(logger *log.Logger, cfg config.LogConfig, base io.Writer) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006/01/02 15:04:05.000000",
		})
	default:
		return errors.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	writers := []io.Writer{base}
	if cfg.File.Path != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	}
	logger.SetOutput(io.MultiWriter(writers...))
	return nil
}

// Discard returns a logger that drops everything, for tests and quiet nodes.
func Discard() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}
