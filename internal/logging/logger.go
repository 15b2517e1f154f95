// Package logging provides structured logging for ublk-vram
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with ublk-specific structured fields
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel maps a configuration string to a LogLevel
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter wraps an io.Writer with an async buffered channel
// This prevents blocking in hot paths
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	// p is reused by zerolog after Write returns
	msg := make([]byte, len(p))
	copy(msg, p)

	// Drop rather than block when the queue is full
	select {
	case aw.ch <- msg:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Output == nil {
		config.Output = os.Stderr
	}

	// Use async writer unless Sync mode is enabled
	var output io.Writer = config.Output
	var closer io.Closer
	if !config.Sync {
		aw := newAsyncWriter(config.Output, 1000)
		output, closer = aw, aw
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		consoleWriter := zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	return &Logger{
		zlog:   zlog.Level(zerolog.Level(config.Level)),
		closer: closer,
	}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// Close flushes pending asynchronous output. Derived loggers share the
// writer of their parent, so only the root logger should be closed.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) with(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog}
}

// WithDevice returns a logger with device ID context
func (l *Logger) WithDevice(deviceID int) *Logger {
	return l.with(l.zlog.With().Int("device_id", deviceID).Logger())
}

// WithQueue returns a logger with queue context
func (l *Logger) WithQueue(queueID int) *Logger {
	return l.with(l.zlog.With().Int("queue_id", queueID).Logger())
}

// WithRequest returns a logger with request context
func (l *Logger) WithRequest(tag uint16, opType string) *Logger {
	return l.with(l.zlog.With().Uint16("tag", tag).Str("op", opType).Logger())
}

// WithSegment returns a logger with backing segment context
func (l *Logger) WithSegment(index int) *Logger {
	return l.with(l.zlog.With().Int("segment", index).Logger())
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return l.with(l.zlog.With().Err(err).Logger())
}

func emit(event *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		event = event.Interface(key, args[i+1])
	}
	event.Msg(msg)
}

// Standard logging methods
func (l *Logger) Debug(msg string, args ...any) { emit(l.zlog.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { emit(l.zlog.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { emit(l.zlog.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...any) { emit(l.zlog.Error(), msg, args) }

// Printf-style logging for compatibility
func (l *Logger) Debugf(format string, args ...any) {
	l.zlog.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.zlog.Info().Msgf(format, args...)
}

// DebugEnabled reports whether debug events would be written. Hot paths
// check it before building arguments.
func (l *Logger) DebugEnabled() bool {
	return l.zlog.GetLevel() <= zerolog.DebugLevel
}

// Control plane helpers
func (l *Logger) ControlStart(op string) {
	l.zlog.Debug().Str("operation", op).Msg("control operation starting")
}

func (l *Logger) ControlSuccess(op string) {
	l.zlog.Info().Str("operation", op).Msg("control operation succeeded")
}

func (l *Logger) ControlError(op string, err error) {
	l.zlog.Error().Str("operation", op).Err(err).Msg("control operation failed")
}

// Convenience functions for global logger
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
