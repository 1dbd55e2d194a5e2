// Package logging provides the structured logging facade every component uses.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Level is a minimum log level, as a string so it can be loaded from an env var.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config configures the root logger.
type Config struct {
	Level     Level
	Format    string // "json" or "text"
	Service   string
	AddCaller bool
}

// DefaultConfig returns sensible production defaults: info level, JSON format.
func DefaultConfig(service string) Config {
	return Config{Level: LevelInfo, Format: "json", Service: service}
}

// New builds a *logrus.Logger from Config.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
	logger.SetReportCaller(cfg.AddCaller)

	return logger
}

// ContextLogger carries a fixed set of structured fields through a call chain,
// the way every component-scoped logger in this codebase is built.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger wraps logger with an initial field set.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	f := make(logrus.Fields, len(fields))
	for k, v := range fields {
		f[k] = v
	}
	return &ContextLogger{logger: logger, fields: f}
}

// Component returns a child logger scoped with component=name, the convention
// used to tag every subsystem's log lines.
func (cl *ContextLogger) Component(name string) *ContextLogger {
	return cl.WithField("component", name)
}

func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	f := make(logrus.Fields, len(cl.fields)+1)
	for k, v := range cl.fields {
		f[k] = v
	}
	f[key] = value
	return &ContextLogger{logger: cl.logger, fields: f}
}

func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	f := make(logrus.Fields, len(cl.fields)+len(fields))
	for k, v := range cl.fields {
		f[k] = v
	}
	for k, v := range fields {
		f[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: f}
}

func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.WithField("error", err.Error())
}

func (cl *ContextLogger) Debug(msg string) { cl.logger.WithFields(cl.fields).Debug(msg) }
func (cl *ContextLogger) Info(msg string)  { cl.logger.WithFields(cl.fields).Info(msg) }
func (cl *ContextLogger) Warn(msg string)  { cl.logger.WithFields(cl.fields).Warn(msg) }
func (cl *ContextLogger) Error(msg string) { cl.logger.WithFields(cl.fields).Error(msg) }

func (cl *ContextLogger) Debugf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Debugf(format, args...)
}
func (cl *ContextLogger) Infof(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Infof(format, args...)
}
func (cl *ContextLogger) Warnf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Warnf(format, args...)
}
func (cl *ContextLogger) Errorf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Errorf(format, args...)
}
