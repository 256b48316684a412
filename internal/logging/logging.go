// Package logging is the ambient (control-plane) logger used by config
// loading, lifecycle management, and maintenance schedulers. The bus and
// fusion hot paths use their own loggers (zap and zerolog respectively) for
// lower allocation overhead on the request/event path; this package is for
// everything else.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger.
type Logger struct {
	*logrus.Logger
}

// Config controls level, format, and output destination.
type Config struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// New builds a Logger from cfg. Never configure callers to log payload
// bytes — only event_id, source_id, rule_id, and similar identifiers belong
// in log fields.
func New(cfg Config) *Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "amoskys"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			logger.Errorf("create logs directory: %v", err)
			break
		}
		logPath := filepath.Join(logDir, prefix+".log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Errorf("open log file: %v", err)
			break
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		logger.SetOutput(os.Stdout)
	}

	return &Logger{Logger: logger}
}

// NewDefault returns a Logger with sane defaults (info level, text format,
// stdout). The component argument is not attached to the logger or its
// entries.
func NewDefault(component string) *Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)

	l := &Logger{Logger: logger}
	return l
}

// WithField returns a log entry carrying one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry carrying multiple fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
