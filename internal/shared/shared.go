// package shared defines shared helpers
package shared

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a new [log.Logger] instance with the specified [io.Writer], with timestamps and caller reporting enabled.
//
// The writer defaults to [os.Stderr]
func NewLogger(w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true, ReportCaller: true}
	return log.NewWithOptions(w, opts)
}

// NewLoggerFromConfig creates a [log.Logger] honoring the [LogConfig] level and, when a file is configured,
// tees output into a size-rotated log file.
func NewLoggerFromConfig(cfg LogConfig, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}

	if cfg.File != "" {
		w = io.MultiWriter(w, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	logger := NewLogger(w)
	if cfg.Level != "" {
		if level, err := log.ParseLevel(cfg.Level); err == nil {
			SetLogLevel(logger, level)
		} else {
			logger.Warn("unknown log level, keeping default", "level", cfg.Level)
		}
	}
	return logger
}

// WithLogger creates a child [log.Logger] with the specified key-value pairs added to all log entries.
func WithLogger(l *log.Logger, kv ...any) *log.Logger {
	return l.With(kv...)
}

// SetLogLevel sets the [log.Level] for the given [log.Logger].
func SetLogLevel(l *log.Logger, ll log.Level) {
	l.SetLevel(ll)
}

// GenerateID generates a new v4 [uuid.UUID] as a string
func GenerateID() string {
	return uuid.New().String()
}

// HolderID builds the lock holder identity for this process: program, pid, host and a per-run uuid.
//
// Two runs of the same binary on the same host never share a holder id.
func HolderID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	if prefix == "" {
		prefix = strings.TrimSuffix(filepath.Base(os.Args[0]), filepath.Ext(os.Args[0]))
	}
	return fmt.Sprintf("%s:%d@%s/%s", prefix, os.Getpid(), host, GenerateID())
}
