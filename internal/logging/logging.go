// Package logging provides structured logging with slog for vigild.
//
// Features:
//   - JSON and text output formats
//   - Log levels (debug, info, warn, error)
//   - Optional log file with size-based rotation
//   - Per-component child loggers
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level slog.Level

	// Format is the output format (text or JSON).
	Format Format

	// FilePath, when non-empty, also writes logs to this file.
	FilePath string

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int64

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int

	// Component is the name of the component using this logger.
	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      slog.LevelInfo,
		Format:     FormatText,
		MaxSizeMB:  50,
		MaxBackups: 3,
		Component:  "vigild",
	}
}

// ParseLevel maps a config string to a slog level. Unknown strings fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat maps a config string to a Format.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, "json") {
		return FormatJSON
	}
	return FormatText
}

// Logger wraps slog.Logger with rotation-aware file output.
type Logger struct {
	*slog.Logger
	config  *Config
	rotator *FileRotator
}

// New creates a logger from the configuration.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	writers := []io.Writer{os.Stderr}
	var rotator *FileRotator
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		var err error
		rotator, err = NewFileRotator(cfg.FilePath, cfg.MaxSizeMB*1024*1024, cfg.MaxBackups)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, rotator)
	}

	out := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("component", cfg.Component),
		config:  cfg,
		rotator: rotator,
	}, nil
}

// WithComponent returns a child logger tagged with a sub-component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger:  l.Logger.With("component", name),
		config:  l.config,
		rotator: l.rotator,
	}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}
