package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/harbor_beacon/internal/tracing"
)

// Level is the severity of a log entry. Levels are ordered:
// trace < debug < info < notice < error.
type Level int8

const (
	LevelTrace  Level = -2
	LevelDebug  Level = -1
	LevelInfo   Level = 0
	LevelNotice Level = 1
	LevelError  Level = 2
)

var levelNames = map[Level]string{
	LevelTrace:  "trace",
	LevelDebug:  "debug",
	LevelInfo:   "info",
	LevelNotice: "notice",
	LevelError:  "error",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int8(l))
}

// ParseLevel accepts the level names case-insensitively. "warn" and
// "warning" are read as notice.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "notice", "warn", "warning":
		return LevelNotice, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) zap() zapcore.Level {
	return zapcore.Level(l)
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(Level(l).String())
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	level   zap.AtomicLevel
	zl      *zap.Logger
}

// New creates a JSON logger writing to stdout at info level
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout, LevelInfo)
}

// NewWithWriter creates a JSON logger writing to w, emitting entries at or above min
func NewWithWriter(service string, w io.Writer, min Level) *Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeLevel,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	level := zap.NewAtomicLevelAt(min.zap())
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), level)

	zl := zap.New(core)
	if service != "" {
		zl = zl.With(zap.String("service", service))
	}
	return &Logger{service: service, level: level, zl: zl}
}

// Service returns the service name stamped on every entry
func (l *Logger) Service() string {
	return l.service
}

// SetLevel changes the minimum level at runtime
func (l *Logger) SetLevel(min Level) {
	l.level.SetLevel(min.zap())
}

// Level returns the minimum level
func (l *Logger) Level() Level {
	return Level(l.level.Level())
}

// Enabled reports whether entries at lvl are emitted
func (l *Logger) Enabled(lvl Level) bool {
	return l.level.Enabled(lvl.zap())
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.traceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{logger: l}
}

// LogEntry accumulates fields for a single log line
type LogEntry struct {
	logger  *Logger
	traceID string
	fields  []zap.Field
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.traceID = traceID
	return e
}

// WithPackage sets the package ID for the log entry
func (e *LogEntry) WithPackage(packageID string) *LogEntry {
	return e.WithField("package_id", packageID)
}

// WithKind sets the package kind for the log entry
func (e *LogEntry) WithKind(kind fmt.Stringer) *LogEntry {
	return e.WithField("kind", kind.String())
}

// WithEndpoint sets the resolved URL for the log entry
func (e *LogEntry) WithEndpoint(url string) *LogEntry {
	return e.WithField("endpoint", url)
}

// WithAttempt sets the attempt counter for the log entry
func (e *LogEntry) WithAttempt(attempt int) *LogEntry {
	return e.WithField("attempt", attempt)
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	e.fields = append(e.fields, zap.Any(key, value))
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.fields = append(e.fields, zap.Any(k, v))
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.fields = append(e.fields, zap.String("error", err.Error()))
	}
	return e
}

func (e *LogEntry) Trace(message string) { e.output(LevelTrace, message) }
func (e *LogEntry) Tracef(format string, args ...any) {
	e.outputf(LevelTrace, format, args...)
}

func (e *LogEntry) Debug(message string) { e.output(LevelDebug, message) }
func (e *LogEntry) Debugf(format string, args ...any) {
	e.outputf(LevelDebug, format, args...)
}

func (e *LogEntry) Info(message string) { e.output(LevelInfo, message) }
func (e *LogEntry) Infof(format string, args ...any) {
	e.outputf(LevelInfo, format, args...)
}

// Notice is for conditions worth an operator's attention that are not errors,
// such as a retry or a failover.
func (e *LogEntry) Notice(message string) { e.output(LevelNotice, message) }
func (e *LogEntry) Noticef(format string, args ...any) {
	e.outputf(LevelNotice, format, args...)
}

func (e *LogEntry) Error(message string) { e.output(LevelError, message) }
func (e *LogEntry) Errorf(format string, args ...any) {
	e.outputf(LevelError, format, args...)
}

// Fatal logs at error level and exits
func (e *LogEntry) Fatal(message string) {
	e.output(LevelError, message)
	_ = e.logger.Sync()
	os.Exit(1)
}

// Fatalf logs at error level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}

func (e *LogEntry) outputf(lvl Level, format string, args ...any) {
	if !e.logger.Enabled(lvl) {
		return
	}
	e.output(lvl, fmt.Sprintf(format, args...))
}

func (e *LogEntry) output(lvl Level, message string) {
	ce := e.logger.zl.Check(lvl.zap(), message)
	if ce == nil {
		return
	}
	fields := e.fields
	if e.traceID != "" {
		fields = append(fields, zap.String("trace_id", e.traceID))
	}
	ce.Write(fields...)
}

// Global convenience functions

var (
	defaultMu     sync.RWMutex
	defaultLogger = New("beacon")
)

// Default returns the process-wide logger
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// SetDefaultService rebuilds the default logger for service, keeping its level
func SetDefaultService(service string) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = NewWithWriter(service, os.Stdout, defaultLogger.Level())
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return Default().WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return Default().WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return Default().Plain()
}
