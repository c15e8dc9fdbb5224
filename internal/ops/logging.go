package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/allgram/clubfeed/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

// ParseLevel maps a config level name to a slog level, defaulting to info
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// NewLogger creates a new structured logger based on config
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := ParseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// Nop returns a logger that discards everything, used by tests and library callers
func Nop() *Logger {
	return NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Level returns the configured minimum level
func (l *Logger) Level() slog.Level {
	return l.level
}

// LogRefreshPass logs the outcome of one classify/assemble/aggregate pass
func (l *Logger) LogRefreshPass(room string, posts int, changed bool, duration time.Duration) {
	l.Debug("feed refreshed",
		"room", room,
		"posts", posts,
		"changed", changed,
		"duration_ms", duration.Milliseconds())
}

// LogPagination logs a pagination step
func (l *Logger) LogPagination(room string, outcome string, gained, remaining int, err error) {
	if err != nil {
		l.Warn("pagination failed",
			"room", room,
			"outcome", outcome,
			"error", err)
		return
	}
	l.Debug("pagination step",
		"room", room,
		"outcome", outcome,
		"gained", gained,
		"remaining", remaining)
}

// LogReaction logs a reaction toggle result
func (l *Logger) LogReaction(room, target, emoji, result string, err error) {
	if err != nil {
		l.Warn("reaction action failed",
			"room", room,
			"target", target,
			"emoji", emoji,
			"result", result,
			"error", err)
		return
	}
	l.Debug("reaction handled",
		"room", room,
		"target", target,
		"emoji", emoji,
		"result", result)
}

// LogMalformed traces a candidate rejected for malformed content
func (l *Logger) LogMalformed(room, eventID string, err error) {
	l.Debug("candidate rejected",
		"room", room,
		"event_id", eventID,
		"error", err)
}

// LogSourceEvent logs an adapter connection or sync event
func (l *Logger) LogSourceEvent(source, target string, ok bool, err error) {
	if err != nil {
		l.Warn("source operation failed",
			"source", source,
			"target", target,
			"error", err)
	} else if ok {
		l.Info("source ready",
			"source", source,
			"target", target)
	} else {
		l.Info("source stopped",
			"source", source,
			"target", target)
	}
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version string, clubs int) {
	l.Info("clubfeed starting",
		"version", version,
		"clubs", clubs)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("clubfeed shutting down",
		"reason", reason)
}

// LogPanic logs a panic with stack trace
func (l *Logger) LogPanic(recovered interface{}, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}
