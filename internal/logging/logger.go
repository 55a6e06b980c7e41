// Package logging wraps log/slog with category-gated debug helpers, so the
// ingest hot path can carry cheap, always-present debug calls that are
// no-ops unless a specific category was turned on at startup.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Level is the logging verbosity level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category gates a specific class of high-volume debug logging.
type Category string

const (
	CategoryRTP     Category = "rtp"
	CategoryReorder Category = "reorder"
	CategorySession Category = "session"
	CategoryMuxer   Category = "muxer"
	CategoryHook    Category = "hook"
	CategoryAll     Category = "all"
)

// Format selects the slog handler used for output.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logger configuration, including which debug categories are
// currently enabled. Safe for concurrent use.
type Config struct {
	Level      Level
	Format     Format
	OutputFile string

	mu         sync.RWMutex
	categories map[Category]bool
}

// NewConfig returns a Config with sensible defaults (info level, text
// format, no debug categories enabled).
func NewConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		categories: make(map[Category]bool),
	}
}

// ParseLevel converts a string flag/config value into a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO", "":
		return LevelInfo, nil
	case "warn", "WARN", "warning":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

func (l Level) toSlog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnableCategory turns on debug logging for a category; CategoryAll enables
// every known category.
func (c *Config) EnableCategory(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cat == CategoryAll {
		for _, k := range []Category{CategoryRTP, CategoryReorder, CategorySession, CategoryMuxer, CategoryHook} {
			c.categories[k] = true
		}
		return
	}
	c.categories[cat] = true
}

// IsCategoryEnabled reports whether debug logging is on for cat.
func (c *Config) IsCategoryEnabled(cat Category) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.categories[cat]
}

// Logger pairs a *slog.Logger with the Config that gates category debugging.
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// New builds a Logger from cfg, opening OutputFile if set.
func New(cfg *Config) (*Logger, error) {
	var w io.Writer = os.Stdout
	var f *os.File
	if cfg.OutputFile != "" {
		var err error
		f, err = os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		w = f
	}

	opts := &slog.HandlerOptions{Level: cfg.Level.toSlog()}
	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), config: cfg, file: f}, nil
}

// Close releases the output file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// With returns a derived Logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), config: l.config, file: l.file}
}

// DebugRTP logs msg at Debug level only if the rtp category is enabled.
func (l *Logger) DebugRTP(msg string, args ...any) {
	if l.config.IsCategoryEnabled(CategoryRTP) {
		l.Debug(msg, append([]any{"category", "rtp"}, args...)...)
	}
}

// DebugReorder logs msg at Debug level only if the reorder category is enabled.
func (l *Logger) DebugReorder(msg string, args ...any) {
	if l.config.IsCategoryEnabled(CategoryReorder) {
		l.Debug(msg, append([]any{"category", "reorder"}, args...)...)
	}
}

// DebugSession logs msg at Debug level only if the session category is enabled.
func (l *Logger) DebugSession(msg string, args ...any) {
	if l.config.IsCategoryEnabled(CategorySession) {
		l.Debug(msg, append([]any{"category", "session"}, args...)...)
	}
}

// DebugMuxer logs msg at Debug level only if the muxer category is enabled.
func (l *Logger) DebugMuxer(msg string, args ...any) {
	if l.config.IsCategoryEnabled(CategoryMuxer) {
		l.Debug(msg, append([]any{"category", "muxer"}, args...)...)
	}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide fallback logger, creating it lazily.
func Default() *Logger {
	once.Do(func() {
		logger, err := New(NewConfig())
		if err != nil {
			logger = &Logger{Logger: slog.Default(), config: NewConfig()}
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// SetDefault installs logger as both this package's and slog's default.
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}
