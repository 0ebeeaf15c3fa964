// Package logger provides structured logging for the entity layer.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is a wrapper around logrus.Logger
type Logger struct {
	*logrus.Logger
	subsystem string
}

// Config contains logging configuration
type Config struct {
	Level  string
	Format string
}

// New creates a new logger instance
func New(cfg Config) *Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger: logger,
	}
}

// NewDefault creates a new logger instance with default configuration
// for the named subsystem.
func NewDefault(subsystem string) *Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:    logger,
		subsystem: subsystem,
	}
}

// WithSubsystem returns a copy of the logger tagged with a subsystem name.
// Entries emitted through it carry a "subsystem" field.
func (l *Logger) WithSubsystem(name string) *Logger {
	return &Logger{
		Logger:    l.Logger,
		subsystem: name,
	}
}

// Entry returns a log entry carrying the subsystem field, if set.
func (l *Logger) Entry() *logrus.Entry {
	if l.subsystem != "" {
		return l.Logger.WithField("subsystem", l.subsystem)
	}
	return logrus.NewEntry(l.Logger)
}

// WithField returns a new log entry with a field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Entry().WithField(key, value)
}

// WithFields returns a new log entry with multiple fields
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Entry().WithFields(fields)
}

// WithError returns a new log entry with an error field
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Entry().WithError(err)
}
