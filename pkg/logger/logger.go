package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	levelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}
)

// String returns the upper-case level name
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel converts a config string ("debug", "info", ...) to a LogLevel.
// Unknown values fall back to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// sink is shared by a logger and all loggers derived from it, so SetLevel on
// the root affects every component.
type sink struct {
	mu     sync.Mutex
	level  LogLevel
	out    io.Writer
	errOut io.Writer
	now    func() time.Time
}

// Logger provides levelled, prefixed logging
type Logger struct {
	sink   *sink
	prefix string
}

// default logger instance
var std = New(os.Stdout, os.Stderr, INFO, "")

// New creates a new logger instance
func New(out, errOut io.Writer, level LogLevel, prefix string) *Logger {
	return &Logger{
		sink: &sink{
			level:  level,
			out:    out,
			errOut: errOut,
			now:    time.Now,
		},
		prefix: prefix,
	}
}

// Discard returns a logger that drops everything; used in tests.
func Discard() *Logger {
	return New(io.Discard, io.Discard, ERROR+1, "")
}

// Default returns the package-level logger
func Default() *Logger {
	return std
}

// Named returns a child logger whose prefix is extended with name.
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return Discard()
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{sink: l.sink, prefix: prefix}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// Level returns the minimum log level
func (l *Logger) Level() LogLevel {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if l == nil {
		return
	}
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.level {
		return
	}

	out := s.out
	if level >= ERROR {
		out = s.errOut
	}

	prefix := ""
	if l.prefix != "" {
		prefix = "[" + l.prefix + "] "
	}

	fmt.Fprintf(out, "%s [%s] %s%s\n",
		s.now().Format("2006-01-02T15:04:05.000"), levelNames[level], prefix, fmt.Sprintf(format, args...))
}

// Package-level convenience functions using the default logger

// SetLevel sets the minimum log level for the default logger
func SetLevel(level LogLevel) {
	std.SetLevel(level)
}

// Named returns a child of the default logger
func Named(name string) *Logger {
	return std.Named(name)
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	std.Debug(format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	std.Info(format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	std.Warn(format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	std.Error(format, args...)
}
