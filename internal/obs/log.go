package obs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EnvLogLevel selects the initial level: trace, debug, info, warn, error or off.
const EnvLogLevel = "AIRFIRE_LOG_LEVEL"

var (
	mu     sync.RWMutex
	out    io.Writer = os.Stdout
	level            = initialLevel()
	logger           = build(out, level)
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
}

type Fields map[string]any

func build(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func initialLevel() zerolog.Level {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		return lvl
	}
	return zerolog.InfoLevel
}

// ParseLevel maps a level name to a zerolog level. The bool is false for
// empty or unknown input.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "disabled", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		SetLevel(zerolog.DebugLevel)
		return
	}
	SetLevel(initialLevel())
}

// SetLevel replaces the active level.
func SetLevel(lvl zerolog.Level) {
	mu.Lock()
	level = lvl
	logger = build(out, level)
	mu.Unlock()
}

// SetOutput redirects log lines to w, keeping the active level.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	logger = build(out, level)
	mu.Unlock()
}

func logWith(lvl zerolog.Level, msg string, f Fields) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	e := l.WithLevel(lvl)
	if e == nil {
		return
	}
	if len(f) > 0 {
		e = e.Fields(map[string]any(f))
	}
	e.Msg(msg)
}

func Info(msg string, f Fields)  { logWith(zerolog.InfoLevel, msg, f) }
func Warn(msg string, f Fields)  { logWith(zerolog.WarnLevel, msg, f) }
func Error(msg string, f Fields) { logWith(zerolog.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(zerolog.DebugLevel, msg, f) }
