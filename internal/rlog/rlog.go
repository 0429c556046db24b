// Package rlog is a small leveled, key/value logger matching the call
// convention the teacher's own log package uses everywhere
// (log.Info("message", "key1", val1, "key2", val2, ...), seen in
// migrations/migrations.go and eth/stagedsync/stage_log_index.go). The
// teacher's actual logger is an internal, unretrieved dependency, so this
// is a from-scratch implementation of the same call shape, colorized with
// fatih/color and mattn/go-colorable/go-isatty the way the retrieved pack's
// CLI-facing repos (peak-s5cmd) do for terminal output.
package rlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a log severity.
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
		return "?"
	}
}

var levelColor = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

// Logger writes leveled, key/value lines to an io.Writer. The zero value is
// not usable; construct with New.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	min    Level
	color  bool
	fields []interface{} // inherited key/value pairs from With
}

// New returns a Logger writing to a colorable wrapper of os.Stderr when it
// is a terminal (mattn/go-isatty), plain otherwise. min is the lowest
// level that will be emitted.
func New(min Level) *Logger {
	useColor := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	return &Logger{
		out:   colorable.NewColorable(os.Stderr),
		min:   min,
		color: useColor,
	}
}

// NewPlain returns a Logger writing uncolored lines to w, for tests and
// piped output.
func NewPlain(w io.Writer, min Level) *Logger {
	return &Logger{out: w, min: min}
}

// With returns a child Logger that prepends kv to every future call.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{out: l.out, min: l.min, color: l.color, fields: append(append([]interface{}{}, l.fields...), kv...)}
}

func (l *Logger) log(lvl Level, msg string, kv ...interface{}) {
	if lvl < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	prefix := fmt.Sprintf("[%s] %-5s", ts, lvl)
	if l.color {
		if c, ok := levelColor[lvl]; ok {
			prefix = c.Sprint(prefix)
		}
	}
	fmt.Fprintf(l.out, "%s %s", prefix, msg)
	all := append(append([]interface{}{}, l.fields...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", all[i], all[i+1])
	}
	fmt.Fprintln(l.out)
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(LevelDebug, msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(LevelInfo, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(LevelWarn, msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(LevelError, msg, kv...) }

// std is the package-level default Logger, for call sites that don't carry
// one through explicitly (mirroring the teacher's own package-level log.*
// functions).
var std = New(LevelInfo)

func Debug(msg string, kv ...interface{}) { std.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { std.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { std.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { std.Error(msg, kv...) }

// SetMinLevel adjusts the package-level default Logger's verbosity.
func SetMinLevel(l Level) { std.min = l }
