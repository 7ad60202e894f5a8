// Package logging builds the logrus logger shared by every component.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Field names and component tags attached to log entries
const (
	FieldComponent = "component"

	ComponentBroker    = "broker"
	ComponentConsumer  = "consumer"
	ComponentProcessor = "processor"
	ComponentGenerator = "generator"
	ComponentHTTP      = "http"
)

// Options selects level and output format
type Options struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// New creates a logger. An unparseable level falls back to info.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	switch opts.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// Component returns an entry tagged with the component name
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField(FieldComponent, name)
}

// Discard returns a logger that drops everything, for tests and defaults
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
