// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"sync"

	"github.com/agent-racer/sessionpool/internal/config"
	"github.com/sirupsen/logrus"
)

var (
	mu     sync.Mutex
	logger = newDefault()
	file   *os.File
)

func newDefault() *logrus.Logger {
	return &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &logrus.TextFormatter{FullTimestamp: true},
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
}

// Init configures the shared logger from cfg. Output of the standard log
// package is redirected into it. Should be called from main before any
// goroutines start logging.
func Init(cfg config.LogConfig) error {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		l, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		level = l
	}

	var formatter logrus.Formatter
	switch cfg.Format {
	case "", "text":
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	case "json":
		formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	var out io.Writer = os.Stderr
	var f *os.File
	if cfg.File != "" {
		var err error
		f, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		out = f
	}

	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(out)
	logger.SetFormatter(formatter)
	logger.SetLevel(level)
	if file != nil {
		file.Close()
	}
	file = f

	stdlog.SetFlags(0)
	stdlog.SetOutput(logger.WriterLevel(logrus.InfoLevel))
	return nil
}

// Logger returns the shared logger.
func Logger() *logrus.Logger {
	return logger
}

// WithComponent returns an entry tagged with the component name.
func WithComponent(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// Discard returns an entry whose output goes nowhere. Tests use it to keep
// output quiet.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
