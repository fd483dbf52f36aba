// Package logger configures zerolog for the process.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Config struct {
	Level Level
	// Pretty enables human-readable console output.
	Pretty bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

func (l Level) zerolog() zerolog.Level {
	switch Level(strings.ToLower(string(l))) {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// New builds a logger and installs it as the zerolog global logger.
func New(config Config) zerolog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var writer io.Writer = config.Output
	if config.Pretty {
		writer = zerolog.ConsoleWriter{
			Out:        config.Output,
			TimeFormat: time.RFC3339,
		}
	}

	l := zerolog.New(writer).Level(config.Level.zerolog()).With().Timestamp().Logger()
	log.Logger = l
	return l
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
