package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"swarmview/mirror/internal/config"
)

var (
	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level orders log verbosity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	default:
		return "info"
	}
}

// ParseLevel maps a configured level name onto a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// Field is a single structured attribute.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field            { return Field{Key: key, Value: value} }
func Strings(key string, values []string) Field { return Field{Key: key, Value: values} }
func Int(key string, value int) Field           { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field       { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field     { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field         { return Field{Key: key, Value: value} }
func Any(key string, value any) Field           { return Field{Key: key, Value: value} }

// Duration renders the value in Go duration notation so it stays readable in JSON.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Error records err under the "error" key. A nil error is kept as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger writes one JSON object per line.
type Logger struct {
	mu     *sync.Mutex
	level  Level
	out    syncWriter
	fields map[string]any
	now    func() time.Time
	exit   func(int)
}

type syncWriter interface {
	io.Writer
	Sync() error
}

type fanout []syncWriter

func (f fanout) Write(p []byte) (int, error) {
	for _, w := range f {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (f fanout) Sync() error {
	var first error
	for _, w := range f {
		if err := w.Sync(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// New builds the process logger: a rotating file mirrored to stdout. It also
// becomes the global fallback returned by L.
func New(cfg config.LoggingConfig) (*Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logging path must be specified")
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	file, err := newRotatingWriter(cfg)
	if err != nil {
		return nil, err
	}
	out := fanout{file}
	if os.Stdout != nil {
		out = append(out, os.Stdout)
	}
	logger := newLogger(level, out)
	logger.fields["service"] = "mirror"
	ReplaceGlobals(logger)
	return logger, nil
}

// NewWriter returns a logger that writes to w at the given level. Tools and
// tests use it where file rotation is unwanted.
func NewWriter(w io.Writer, level Level) *Logger {
	if sw, ok := w.(syncWriter); ok {
		return newLogger(level, sw)
	}
	return newLogger(level, nopSync{w})
}

// NewTestLogger discards everything.
func NewTestLogger() *Logger {
	return newNopLogger()
}

func newNopLogger() *Logger {
	return newLogger(DebugLevel, nopSync{io.Discard})
}

func newLogger(level Level, out syncWriter) *Logger {
	return &Logger{
		mu:     &sync.Mutex{},
		level:  level,
		out:    out,
		fields: make(map[string]any),
		now:    time.Now,
		exit:   os.Exit,
	}
}

// ReplaceGlobals swaps the fallback logger. Nil is ignored.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the global fallback logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With returns a child logger carrying fields on every entry. The child
// shares the parent's writer and lock.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	child := *l
	child.fields = make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for _, f := range fields {
		child.fields[f.Key] = f.Value
	}
	return &child
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return L().Enabled(level)
	}
	return level >= l.level
}

func (l *Logger) Sync() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.Sync()
}

func (l *Logger) Debug(message string, fields ...Field) { l.write(DebugLevel, message, fields) }
func (l *Logger) Info(message string, fields ...Field)  { l.write(InfoLevel, message, fields) }
func (l *Logger) Warn(message string, fields ...Field)  { l.write(WarnLevel, message, fields) }
func (l *Logger) Error(message string, fields ...Field) { l.write(ErrorLevel, message, fields) }

// Fatal writes the entry, flushes and exits with status 1.
func (l *Logger) Fatal(message string, fields ...Field) { l.write(FatalLevel, message, fields) }

func (l *Logger) write(level Level, message string, fields []Field) {
	if l == nil {
		L().write(level, message, fields)
		return
	}
	if level < l.level {
		return
	}
	entry := make(map[string]any, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		entry[k] = v
	}
	for _, f := range fields {
		entry[f.Key] = f.Value
	}
	entry["timestamp"] = l.now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["message"] = message

	line, err := json.Marshal(entry)
	if err != nil {
		line, _ = json.Marshal(map[string]any{
			"timestamp": entry["timestamp"],
			"level":     level.String(),
			"message":   message,
			"log_error": err.Error(),
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(line, '\n'))
	if level == FatalLevel {
		_ = l.out.Sync()
		l.exit(1)
	}
}

type nopSync struct{ io.Writer }

func (nopSync) Sync() error { return nil }
