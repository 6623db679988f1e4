package logging

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Both utilities in this repo emit diagnostics only; nothing downstream
// consumes log output, so the interface stays deliberately small.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
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
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "", "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
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

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

// ComponentLogger writes timestamped, level-filtered lines for one component.
type ComponentLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	component string
}

// New returns a component logger writing to stderr. The minimum level is
// taken from BOTPROBE_LOG_LEVEL (debug, info, warn, error), defaulting to info.
func New(component string) *ComponentLogger {
	return NewWithOutput(component, os.Stderr, ParseLevel(os.Getenv("BOTPROBE_LOG_LEVEL")))
}

// NewWithOutput returns a component logger writing to out at the given level.
func NewWithOutput(component string, out io.Writer, level Level) *ComponentLogger {
	if component == "" {
		component = "botprobe"
	}
	if out == nil {
		out = os.Stderr
	}
	return &ComponentLogger{out: out, level: level, component: component}
}

// SetLevel adjusts the minimum level at runtime.
func (l *ComponentLogger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *ComponentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *ComponentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *ComponentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *ComponentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *ComponentLogger) log(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	// Format: 2025-01-02 15:04:05 [INFO] [botwire] - message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := Redact(fmt.Sprintf(format, args...))
	fmt.Fprintf(l.out, "%s [%s] [%s] - %s\n", timestamp, level, l.component, message)
}

const redactedPlaceholder = "[REDACTED]"

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	tokenKeyPattern    = regexp.MustCompile(
		`(?i)((?:"|')?(?:access[_-]?token|token|secret|password)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
)

// Redact masks bearer tokens and token-shaped key/value pairs so connection
// credentials never land in diagnostic output.
func Redact(line string) string {
	sanitized := bearerTokenPattern.ReplaceAllStringFunc(line, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + redactedPlaceholder
	})
	sanitized = tokenKeyPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := tokenKeyPattern.FindStringSubmatch(match)
		if len(parts) != 4 {
			return match
		}
		return parts[1] + redactedPlaceholder + parts[3]
	})
	return sanitized
}
