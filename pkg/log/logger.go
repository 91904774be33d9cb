// Package log provides structured logging utilities for the GOMP pool miner.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/bardlex/gomp-miner/pkg/errors"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout with the specified configuration
func New(service, version, level, format string) *Logger {
	return NewWithOutput(os.Stdout, service, version, level, format)
}

// NewWithOutput creates a new logger writing to out
func NewWithOutput(out io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: ParseLevel(level) == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return NewWithOutput(io.Discard, "test", "test", "error", "text")
}

// ParseLevel maps a level name onto a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPool returns a logger with pool endpoint fields
func (l *Logger) WithPool(host string, port uint16) *Logger {
	return l.WithFields("pool_host", host, "pool_port", port)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, target uint32) *Logger {
	return l.WithFields("job_id", jobID, "target", target)
}

// WithError returns a logger with the error message and, for typed errors,
// the error type, operation and context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(append([]any{"error", err.Error()}, errors.LogFields(err)...)...)
}

// Mining-specific logging helpers

// LogShareFound logs a share discovered by a worker
func (l *Logger) LogShareFound(jobID string, nonce uint32, alternate bool) {
	l.Debug("share found",
		"job_id", jobID,
		"nonce", nonce,
		"alternate", alternate,
	)
}

// LogStateChange logs a miner state transition
func (l *Logger) LogStateChange(from, to string) {
	l.Info("miner state changed",
		"from", from,
		"to", to,
	)
}

// LogPoolSwitch logs a change of the active pool
func (l *Logger) LogPoolSwitch(policy string, fromIndex, toIndex int, pool string) {
	l.Info("active pool switched",
		"policy", policy,
		"from_index", fromIndex,
		"to_index", toIndex,
		"pool", pool,
	)
}

// LogHashRate logs a hash rate sample in human readable form
func (l *Logger) LogHashRate(rate, alternateRate float64) {
	l.Debug("hash rate",
		"rate", FormatHashRate(rate),
		"alternate_rate", FormatHashRate(alternateRate),
	)
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// FormatHashRate renders a hashes-per-second value with an SI prefix, e.g. "1.25 kH/s"
func FormatHashRate(rate float64) string {
	return humanize.SIWithDigits(rate, 2, "H/s")
}
