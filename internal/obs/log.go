package obs

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu           sync.RWMutex
	base         = newLogger(os.Stdout, false)
	debugEnabled bool
)

// Fields carries structured key/value pairs attached to a log event.
type Fields map[string]any

func newLogger(w io.Writer, console bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetOutput redirects all log output to w. When console is set events are
// rendered human readable instead of JSON.
func SetOutput(w io.Writer, console bool) {
	mu.Lock()
	base = newLogger(w, console)
	mu.Unlock()
}

func logWith(level zerolog.Level, msg string, f Fields) {
	mu.RLock()
	l := base
	debug := debugEnabled
	mu.RUnlock()
	if level == zerolog.DebugLevel && !debug {
		return
	}
	ev := l.WithLevel(level)
	if err, ok := f["err"].(error); ok {
		ev = ev.AnErr("err", err)
		delete(f, "err")
	}
	ev.Fields(map[string]any(f)).Msg(msg)
}

func Info(msg string, f Fields)  { logWith(zerolog.InfoLevel, msg, f) }
func Warn(msg string, f Fields)  { logWith(zerolog.WarnLevel, msg, f) }
func Error(msg string, f Fields) { logWith(zerolog.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(zerolog.DebugLevel, msg, f) }
