// Package logging provides the printf-style logging contract used across the
// service, with leveled output and per-component scoping.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level is the minimum severity a writer emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel converts a config string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger is the minimal printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// writer is the concrete leveled logger. All component loggers derived from
// the same root share one mutex and sink.
type writer struct {
	mu        *sync.Mutex
	out       io.Writer
	level     Level
	component string
}

// New creates a root logger writing to out at the given level.
func New(out io.Writer, level Level) Logger {
	if out == nil {
		out = os.Stderr
	}
	return &writer{mu: &sync.Mutex{}, out: out, level: level}
}

// WithComponent returns a logger scoped to a component name. Loggers that do
// not support scoping are returned unchanged.
func WithComponent(logger Logger, component string) Logger {
	w, ok := logger.(*writer)
	if !ok {
		return OrNop(logger)
	}
	scoped := *w
	scoped.component = component
	return &scoped
}

func (w *writer) Debug(format string, args ...any) { w.log(LevelDebug, format, args...) }
func (w *writer) Info(format string, args ...any)  { w.log(LevelInfo, format, args...) }
func (w *writer) Warn(format string, args ...any)  { w.log(LevelWarn, format, args...) }
func (w *writer) Error(format string, args ...any) { w.log(LevelError, format, args...) }

func (w *writer) log(level Level, format string, args ...any) {
	if level < w.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := w.component
	if component == "" {
		component = "app"
	}

	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")

	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, "%s [%s] [%s] %s:%d %s\n", ts, level, component, file, line, msg)
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
