package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Logger carries fixed fields over a zerolog source. The zero value discards everything.
//
// Loggers taken from a Service read the service's current sink on every call, so
// Service.Apply reaches loggers that were derived earlier.
type Logger struct {
	src    func() zerolog.Logger
	fields []Field
}

func fixed(zl zerolog.Logger) Logger {
	return Logger{src: func() zerolog.Logger { return zl }}
}

func Nop() Logger { return fixed(zerolog.Nop()) }

// NewConsole is a standalone console logger for commands that never start a Service.
func NewConsole(level string) Logger {
	setGlobals()
	return fixed(newRoot(newConsoleWriter(os.Stdout), parseLevel(level, LevelInfo)))
}

// NewWriter writes JSON lines to w at level (default debug). Tests capture output with it.
func NewWriter(w io.Writer, level string) Logger {
	setGlobals()
	return fixed(newRoot(w, parseLevel(level, LevelDebug)))
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src()
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return level >= zl.GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := Logger{src: l.src, fields: make([]Field, 0, len(l.fields)+len(fields))}
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

func (l Logger) write(level Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// skip callerOf, write and the level method
	if c := callerOf(3); c != "" {
		e.Str(zerolog.CallerFieldName, c)
	}
	for _, group := range [2][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func callerOf(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

func parseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return def
}
