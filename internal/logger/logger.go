package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel parses a level string (case-insensitive). Unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// sink is shared by a root logger and every child created with Named, so that
// SetLevel / SetOutput on the root apply to all components.
type sink struct {
	mu    sync.RWMutex
	level Level
	out   *log.Logger
}

// Logger is a leveled key/value logger. The zero value is not usable; use New or Default.
type Logger struct {
	sink      *sink
	component string
}

var defaultLogger = New(os.Stdout, LevelInfo)

// New creates a root logger writing to w.
func New(w io.Writer, level Level) *Logger {
	return &Logger{sink: &sink{level: level, out: log.New(w, "", 0)}}
}

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// Named returns a child logger tagging every line with [component].
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{sink: l.sink, component: name}
}

// SetLevel changes the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// GetLevel returns the current minimum level.
func (l *Logger) GetLevel() Level {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return l.sink.level
}

// SetOutput changes the writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.out = log.New(w, "", 0)
}

func (l *Logger) enabled(level Level) bool {
	return level >= l.GetLevel()
}

func (l *Logger) header(b *strings.Builder, level Level) {
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	fmt.Fprintf(b, "%s [%s]", ts, level)
	if l.component != "" {
		fmt.Fprintf(b, " [%s]", l.component)
	}
	b.WriteByte(' ')
}

func (l *Logger) write(line string) {
	l.sink.mu.RLock()
	out := l.sink.out
	l.sink.mu.RUnlock()
	out.Println(line)
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if !l.enabled(level) {
		return
	}
	var b strings.Builder
	l.header(&b, level)
	fmt.Fprintf(&b, format, args...)
	l.write(b.String())
}

func (l *Logger) log(level Level, msg string, kvs ...any) {
	if !l.enabled(level) {
		return
	}
	var b strings.Builder
	l.header(&b, level)
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	if len(kvs)%2 == 1 {
		fmt.Fprintf(&b, " %v=<missing>", kvs[len(kvs)-1])
	}
	l.write(b.String())
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, kvs ...any) { l.log(LevelDebug, msg, kvs...) }

// Info logs an info message.
func (l *Logger) Info(msg string, kvs ...any) { l.log(LevelInfo, msg, kvs...) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, kvs ...any) { l.log(LevelWarn, msg, kvs...) }

// Error logs an error message.
func (l *Logger) Error(msg string, kvs ...any) { l.log(LevelError, msg, kvs...) }

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...any) { l.logf(LevelInfo, format, args...) }

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...any) { l.logf(LevelWarn, format, args...) }

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

// Package-level convenience functions.

func SetLevel(level Level)             { defaultLogger.SetLevel(level) }
func Named(component string) *Logger   { return defaultLogger.Named(component) }
func Debug(msg string, kvs ...any)     { defaultLogger.Debug(msg, kvs...) }
func Info(msg string, kvs ...any)      { defaultLogger.Info(msg, kvs...) }
func Warn(msg string, kvs ...any)      { defaultLogger.Warn(msg, kvs...) }
func Error(msg string, kvs ...any)     { defaultLogger.Error(msg, kvs...) }
func Infof(format string, args ...any) { defaultLogger.Infof(format, args...) }
func Warnf(format string, args ...any) { defaultLogger.Warnf(format, args...) }
func Errorf(format string, args ...any) { defaultLogger.Errorf(format, args...) }
func Debugf(format string, args ...any) { defaultLogger.Debugf(format, args...) }
