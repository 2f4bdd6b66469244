// Package logger provides the structured component logger used across the
// payment layer services.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped structured logger.
type Logger struct {
	*logrus.Entry
}

// Config controls logger construction.
type Config struct {
	Level      string
	TextFormat bool
	Output     io.Writer
}

// New builds a logger for the named component.
func New(component string, cfg Config) *Logger {
	l := logrus.New()

	level := logrus.InfoLevel
	if parsed, err := logrus.ParseLevel(cfg.Level); err == nil {
		level = parsed
	}
	l.SetLevel(level)

	if cfg.TextFormat {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	l.SetOutput(out)

	return &Logger{Entry: l.WithField("component", component)}
}

// NewDefault builds an info-level JSON logger for the named component.
func NewDefault(component string) *Logger {
	return New(component, Config{Level: "info"})
}

// Named returns a child logger for a subcomponent.
func (l *Logger) Named(name string) *Logger {
	return &Logger{Entry: l.WithField("component", name)}
}

// SetOutput redirects the underlying logger output.
func (l *Logger) SetOutput(w io.Writer) {
	l.Logger.SetOutput(w)
}
