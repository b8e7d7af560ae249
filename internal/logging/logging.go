// Package logging provides structured logging for the sidecar processes.
// It wraps log/slog with a size-capped rotating file handler plus stderr.
// stdout is never written to: it carries the wire protocol.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogSizeMB  = 5
	maxLogBackups = 3
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Dir is the log directory; it is created if absent.
	Dir string
	// Filename is the log file name within Dir.
	Filename string
	// Stderr additionally mirrors log output to standard error.
	Stderr bool
}

// Setup builds a logger writing to a rotating file under cfg.Dir.
// The returned closer flushes and closes the file sink.
func Setup(cfg Config) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log dir: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, cfg.Filename),
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
	}

	var sink io.Writer = rotator
	if cfg.Stderr {
		sink = io.MultiWriter(rotator, os.Stderr)
	}

	handler := slog.NewTextHandler(sink, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	})

	logger := slog.New(handler)
	logger.Info("log file ready", "path", rotator.Filename)
	return logger, rotator, nil
}

// ParseLevel maps a config level string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
