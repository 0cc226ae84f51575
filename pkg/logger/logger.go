package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the global logger instance
var Log zerolog.Logger

// Options controls level and optional rotated file output.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

func init() {
	Log = newLogger(os.Stdout)
}

func newLogger(out io.Writer) zerolog.Logger {
	// Default to JSON output for production
	l := zerolog.New(out).
		With().
		Timestamp().
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l
}

// Configure replaces the global logger according to opts.
// When opts.File is set, JSON lines are also written to a rotated file.
func Configure(opts Options) {
	l := newLogger(os.Stdout)
	if opts.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		l = l.Output(zerolog.MultiLevelWriter(consoleOrStdout(), rotated))
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	Log = l.Level(level)
}

func consoleOrStdout() io.Writer {
	if os.Getenv("APP_ENV") != "production" {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}
