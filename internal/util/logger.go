package util

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
)

// LogFormat selects the slog handler
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// ParseLogFormat accepts "text" or "json", case-insensitively. Empty means text.
func ParseLogFormat(s string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", errors.Errorf("unknown log format %q, want text or json", s)
	}
}

// LoggerOptions configures the process logger
type LoggerOptions struct {
	Writer  io.Writer
	Verbose bool
	Format  LogFormat
}

// Setup replaces the process logger. A nil Writer means stdout.
func Setup(opts LoggerOptions) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if opts.Verbose {
		handlerOpts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.Format == LogFormatJSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	l := slog.New(handler)

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()

	// Also routes the standard log package through l.
	slog.SetDefault(l)
	return l
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		// Fallback initialization with INFO level
		return Setup(LoggerOptions{Verbose: IsVerbose()})
	}
	return l
}

// IsVerbose checks if verbose mode is enabled by looking at command line arguments
func IsVerbose() bool {
	for _, arg := range os.Args {
		if arg == "--verbose" || arg == "-V" {
			return true
		}
	}
	return false
}
