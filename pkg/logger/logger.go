package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel accepts debug|info|warn|warning|error; empty means info.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return INFO, nil
	case "debug":
		return DEBUG, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", s)
	}
}

var (
	mu       sync.RWMutex
	levelVar = new(slog.LevelVar)
	base     = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
)

// Configure replaces the output handler. format is "text" or "json".
func Configure(w io.Writer, format string) error {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: levelVar}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format: %s", format)
	}

	mu.Lock()
	base = slog.New(h)
	mu.Unlock()
	return nil
}

func SetLevel(level LogLevel) {
	levelVar.Set(level.slogLevel())
}

func GetLevel() LogLevel {
	switch l := levelVar.Level(); {
	case l <= slog.LevelDebug:
		return DEBUG
	case l <= slog.LevelInfo:
		return INFO
	case l <= slog.LevelWarn:
		return WARN
	default:
		return ERROR
	}
}

// Slog exposes the underlying logger for libraries that log on their own.
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// StdLogger adapts the logger for libraries that take a *log.Logger. Every
// line is written at level and tagged with component.
func StdLogger(component string, level LogLevel) *log.Logger {
	return slog.NewLogLogger(Slog().With("component", component).Handler(), level.slogLevel())
}

func logMessage(level LogLevel, component string, message string, fields map[string]any) {
	l := Slog()
	if !l.Enabled(context.Background(), level.slogLevel()) {
		return
	}

	attrs := make([]any, 0, 2+len(fields)*2)
	if component != "" {
		attrs = append(attrs, "component", component)
	}
	// sorted so output order is stable
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, fields[k])
	}

	l.Log(context.Background(), level.slogLevel(), message, attrs...)
}


func DebugC(component string, message string) {
	logMessage(DEBUG, component, message, nil)
}


func DebugCF(component string, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}


func InfoC(component string, message string) {
	logMessage(INFO, component, message, nil)
}


func InfoCF(component string, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}


func WarnC(component string, message string) {
	logMessage(WARN, component, message, nil)
}


func WarnCF(component string, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}




func ErrorCF(component string, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}
