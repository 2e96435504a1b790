package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// LogLevel defines the severity of the log
type LogLevel int

const (
	LevelSilent LogLevel = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
)

// ParseLevel maps a level name ("error", "warn", "info", "debug", "silent") to a LogLevel.
func ParseLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent", "off", "none":
		return LevelSilent, true
	case "error":
		return LevelError, true
	case "warn", "warning":
		return LevelWarn, true
	case "info":
		return LevelInfo, true
	case "debug":
		return LevelDebug, true
	}
	return LevelInfo, false
}

// LogFormat defines the output format of the log
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Logger is the interface for logging SQL and internal messages
type Logger interface {
	SetLevel(level LogLevel)
	SetFormat(format LogFormat)
	SetOutput(w io.Writer)
	// SetLevelOutput sends records of exactly the given level to w as well.
	SetLevelOutput(level LogLevel, w io.Writer)
	WithFields(fields map[string]any) Logger
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	SQL(sql string, duration time.Duration, args ...any)
}

// sink is shared between a logger and the loggers derived from it with WithFields,
// so level and output changes apply to all of them.
type sink struct {
	mu           sync.Mutex
	level        LogLevel
	format       LogFormat
	writer       io.Writer
	levelWriters map[LogLevel]io.Writer
}

// stdLogger is the default implementation of Logger
type stdLogger struct {
	sink   *sink
	fields map[string]any
}

// NewStdLogger creates a new standard logger
func NewStdLogger() Logger {
	return &stdLogger{
		sink: &sink{
			level:        LevelInfo,
			format:       LogFormatText,
			writer:       os.Stdout,
			levelWriters: make(map[LogLevel]io.Writer),
		},
		fields: make(map[string]any),
	}
}

// Discard returns a logger that drops everything.
func Discard() Logger {
	l := NewStdLogger()
	l.SetLevel(LevelSilent)
	l.SetOutput(nil)
	return l
}

func (l *stdLogger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

func (l *stdLogger) SetFormat(format LogFormat) {
	l.sink.mu.Lock()
	l.sink.format = format
	l.sink.mu.Unlock()
}

func (l *stdLogger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.writer = w
	l.sink.mu.Unlock()
}

func (l *stdLogger) SetLevelOutput(level LogLevel, w io.Writer) {
	l.sink.mu.Lock()
	if w == nil {
		delete(l.sink.levelWriters, level)
	} else {
		l.sink.levelWriters[level] = w
	}
	l.sink.mu.Unlock()
}

func (l *stdLogger) WithFields(fields map[string]any) Logger {
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &stdLogger{sink: l.sink, fields: merged}
}

func (l *stdLogger) Debug(format string, args ...any) {
	l.log(LevelDebug, "DEBUG", format, args...)
}

func (l *stdLogger) Info(format string, args ...any) {
	l.log(LevelInfo, "INFO", format, args...)
}

func (l *stdLogger) Warn(format string, args ...any) {
	l.log(LevelWarn, "WARN", format, args...)
}

func (l *stdLogger) Error(format string, args ...any) {
	l.log(LevelError, "ERROR", format, args...)
}

// SQL logs a statement at debug level.
func (l *stdLogger) SQL(sql string, duration time.Duration, args ...any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.level < LevelDebug {
		return
	}
	now := time.Now()
	if l.sink.format == LogFormatJSON {
		data := l.baseRecord(now, "SQL")
		data["sql"] = sql
		data["duration"] = duration.String()
		data["args"] = args
		l.writeJSON(LevelDebug, data)
		return
	}
	msg := fmt.Sprintf("%s[%v] %s | args: %v%s", sqlColor(sql), duration, sql, args, ansiReset)
	l.writeText(LevelDebug, now, "SQL", msg)
}

func (l *stdLogger) log(level LogLevel, name string, format string, args ...any) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.level < level {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	now := time.Now()
	if l.sink.format == LogFormatJSON {
		data := l.baseRecord(now, name)
		data["msg"] = msg
		l.writeJSON(level, data)
		return
	}
	l.writeText(level, now, name, msg)
}

func (l *stdLogger) baseRecord(now time.Time, level string) map[string]any {
	data := make(map[string]any, len(l.fields)+3)
	for k, v := range l.fields {
		data[k] = v
	}
	data["time"] = now.Format(time.RFC3339)
	data["level"] = level
	return data
}

func (l *stdLogger) writeJSON(level LogLevel, data map[string]any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	b = append(b, '\n')
	l.emit(level, b)
}

func (l *stdLogger) writeText(level LogLevel, now time.Time, name, msg string) {
	line := fmt.Sprintf("[JORMPOOL] %s %s: %s%s\n", now.Format("2006-01-02 15:04:05"), name, msg, l.fieldString())
	l.emit(level, []byte(line))
}

func (l *stdLogger) emit(level LogLevel, b []byte) {
	if l.sink.writer != nil {
		_, _ = l.sink.writer.Write(b)
	}
	if w, ok := l.sink.levelWriters[level]; ok && w != l.sink.writer {
		_, _ = w.Write(b)
	}
}

func (l *stdLogger) fieldString() string {
	if len(l.fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(" |")
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, l.fields[k])
	}
	return sb.String()
}

func sqlColor(sqlStr string) string {
	s := strings.TrimSpace(strings.ToUpper(sqlStr))
	switch {
	case strings.HasPrefix(s, "SELECT"):
		return ansiYellow
	case strings.HasPrefix(s, "INSERT"), strings.HasPrefix(s, "UPDATE"):
		return ansiGreen
	case strings.HasPrefix(s, "DELETE"):
		return ansiRed
	default:
		return ansiCyan
	}
}
