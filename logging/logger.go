package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/crytic/forkdb/logging/colors"
	"github.com/rs/zerolog"
)

// GlobalLogger is disabled until the CLI (or an embedding application) configures it. Packages derive their own
// sub-logger from it so every log line carries the emitting module.
var GlobalLogger = NewLogger(zerolog.Disabled, false)

// LogFormat describes what format a writer receives logs in.
type LogFormat string

const (
	// STRUCTURED emits one JSON object per log event.
	STRUCTURED LogFormat = "structured"
	// UNSTRUCTURED emits human-readable lines without ANSI coloring.
	UNSTRUCTURED LogFormat = "unstructured"
)

// StructuredLogInfo is a key-value mapping attached to a log event under the "info" key.
type StructuredLogInfo map[string]any

// Logger fans log events out to an optional colorized console and any number of additional writers. Sub-loggers
// share their parent's outputs and level, so a sub-logger created at package init observes writers added later.
type Logger struct {
	sink *sink

	// fields holds the key-value pairs added through NewSubLogger.
	fields [][2]string
}

// sink holds the outputs shared by a logger and all of its sub-loggers.
type sink struct {
	lock    sync.RWMutex
	level   zerolog.Level
	console zerolog.Logger
	multi   zerolog.Logger
	writers []io.Writer
}

// NewLogger creates a Logger at the given level. Console output goes to stdout when consoleEnabled is set, and
// structured output goes to every provided writer.
func NewLogger(level zerolog.Level, consoleEnabled bool, writers ...io.Writer) *Logger {
	console := zerolog.New(io.Discard).Level(zerolog.Disabled)
	if consoleEnabled {
		console = zerolog.New(consoleFormatting(zerolog.ConsoleWriter{Out: os.Stdout}, level)).Level(level)
	}

	s := &sink{
		level:   level,
		console: console,
		writers: append([]io.Writer{}, writers...),
	}
	s.rebuild()
	return &Logger{sink: s}
}

// NewSubLogger returns a Logger sharing this logger's outputs whose events additionally carry key=value.
func (l *Logger) NewSubLogger(key string, value string) *Logger {
	fields := make([][2]string, 0, len(l.fields)+1)
	fields = append(fields, l.fields...)
	fields = append(fields, [2]string{key, value})
	return &Logger{sink: l.sink, fields: fields}
}

// EnableConsole switches console output on at the current level.
func (l *Logger) EnableConsole() {
	l.sink.lock.Lock()
	defer l.sink.lock.Unlock()
	l.sink.console = zerolog.New(consoleFormatting(zerolog.ConsoleWriter{Out: os.Stdout}, l.sink.level)).Level(l.sink.level)
}

// DisableConsole switches console output off.
func (l *Logger) DisableConsole() {
	l.sink.lock.Lock()
	defer l.sink.lock.Unlock()
	l.sink.console = zerolog.New(io.Discard).Level(zerolog.Disabled)
}

// AddWriter adds a writer that receives log events in the given format. Adding the same writer twice is a no-op.
func (l *Logger) AddWriter(writer io.Writer, format LogFormat) {
	l.sink.lock.Lock()
	defer l.sink.lock.Unlock()

	if l.sink.indexOf(writer) >= 0 {
		return
	}
	if format == UNSTRUCTURED {
		writer = zerolog.ConsoleWriter{Out: writer, NoColor: true}
	}
	l.sink.writers = append(l.sink.writers, writer)
	l.sink.rebuild()
}

// RemoveWriter removes a writer previously added with AddWriter. Unknown writers are ignored.
func (l *Logger) RemoveWriter(writer io.Writer) {
	l.sink.lock.Lock()
	defer l.sink.lock.Unlock()

	if i := l.sink.indexOf(writer); i >= 0 {
		l.sink.writers = append(l.sink.writers[:i], l.sink.writers[i+1:]...)
		l.sink.rebuild()
	}
}

// Level returns the current log level.
func (l *Logger) Level() zerolog.Level {
	l.sink.lock.RLock()
	defer l.sink.lock.RUnlock()
	return l.sink.level
}

// SetLevel updates the log level of this logger and every logger sharing its outputs.
func (l *Logger) SetLevel(level zerolog.Level) {
	l.sink.lock.Lock()
	defer l.sink.lock.Unlock()
	l.sink.level = level
	l.sink.console = l.sink.console.Level(level)
	l.sink.multi = l.sink.multi.Level(level)
}

// Trace logs a trace event.
func (l *Logger) Trace(args ...any) {
	l.emit(zerolog.TraceLevel, args)
}

// Debug logs a debug event.
func (l *Logger) Debug(args ...any) {
	l.emit(zerolog.DebugLevel, args)
}

// Info logs an info event.
func (l *Logger) Info(args ...any) {
	l.emit(zerolog.InfoLevel, args)
}

// Warn logs a warning event.
func (l *Logger) Warn(args ...any) {
	l.emit(zerolog.WarnLevel, args)
}

// Error logs an error event.
func (l *Logger) Error(args ...any) {
	l.emit(zerolog.ErrorLevel, args)
}

func (s *sink) indexOf(writer io.Writer) int {
	for i, w := range s.writers {
		if w == writer {
			return i
		}
		if cw, ok := w.(zerolog.ConsoleWriter); ok && cw.Out == writer {
			return i
		}
	}
	return -1
}

// rebuild recreates the multi-writer logger. Callers must hold the lock.
func (s *sink) rebuild() {
	if len(s.writers) == 0 {
		s.multi = zerolog.New(io.Discard).Level(zerolog.Disabled)
		return
	}
	s.multi = zerolog.New(zerolog.MultiLevelWriter(s.writers...)).Level(s.level).With().Timestamp().Logger()
}

// emit attaches the error and structured info found in args to both events and sends them. Any other argument is
// rendered into the message, with color functions switching the console color context.
func (l *Logger) emit(level zerolog.Level, args []any) {
	l.sink.lock.RLock()
	console, multi, debug := l.sink.console, l.sink.multi, l.sink.level <= zerolog.DebugLevel
	l.sink.lock.RUnlock()

	consoleMsg, plainMsg, err, info := buildMsgs(args...)
	for _, pair := range []struct {
		event *zerolog.Event
		msg   string
	}{{multi.WithLevel(level), plainMsg}, {console.WithLevel(level), consoleMsg}} {
		e := pair.event
		if e == nil {
			continue
		}
		for _, kv := range l.fields {
			e = e.Str(kv[0], kv[1])
		}
		e = e.Err(err)
		if err != nil && debug {
			e = e.Stack()
		}
		if info != nil {
			e = e.Any("info", info)
		}
		e.Msg(pair.msg)
	}
}

func buildMsgs(args ...any) (string, string, error, StructuredLogInfo) {
	if len(args) == 0 {
		return "", "", nil, nil
	}

	colorCtx := colors.Reset
	var consoleOutput, plainOutput strings.Builder
	var info StructuredLogInfo
	var err error

	for _, arg := range args {
		switch t := arg.(type) {
		case colors.ColorFunc:
			colorCtx = t
		case StructuredLogInfo:
			info = t
		case error:
			err = t
		default:
			consoleOutput.WriteString(colorCtx(t))
			plainOutput.WriteString(fmt.Sprintf("%v", t))
		}
	}
	return consoleOutput.String(), plainOutput.String(), err, info
}

// consoleFormatting drops timestamps from console output and colors the level marker.
func consoleFormatting(writer zerolog.ConsoleWriter, level zerolog.Level) zerolog.ConsoleWriter {
	writer.FormatTimestamp = func(i any) string {
		return ""
	}
	writer.FormatLevel = func(i any) string {
		s, _ := i.(string)
		lvl, err := zerolog.ParseLevel(s)
		if err != nil {
			return s
		}
		switch lvl {
		case zerolog.TraceLevel:
			return colors.CyanBold(zerolog.LevelTraceValue)
		case zerolog.DebugLevel:
			return colors.BlueBold(zerolog.LevelDebugValue)
		case zerolog.InfoLevel:
			return colors.GreenBold(colors.LEFT_ARROW)
		case zerolog.WarnLevel:
			return colors.YellowBold(zerolog.LevelWarnValue)
		default:
			return colors.RedBold(s)
		}
	}

	// module tags are noise on the console unless we're debugging
	if level > zerolog.DebugLevel {
		writer.FieldsExclude = []string{"module", "fork"}
	}
	return writer
}
