// Package logx is the abstract logger collaborator named in spec §6: a
// small level-tagged wrapper over the standard library logger. PonyStore
// never pulls in a structured logging library — see DESIGN.md for why.
package logx

import (
	"log"
	"os"
)

// Level mirrors the level set spec.md §6 requires of the logger
// collaborator.
type Level int

const (
	Information Level = 10
	Warning     Level = 20
	Alert       Level = 30
	Error       Level = 40
	Message     Level = 10000
)

func (l Level) String() string {
	switch l {
	case Information:
		return "INFO"
	case Warning:
		return "WARN"
	case Alert:
		return "ALERT"
	case Error:
		return "ERROR"
	case Message:
		return "MSG"
	default:
		return "LOG"
	}
}

// Logger is the logging surface the engine depends on. Callers may
// supply their own implementation; New wraps a *log.Logger.
type Logger interface {
	Logf(level Level, format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Alert(format string, args ...any)
	Errorf(format string, args ...any)
	Message(format string, args ...any)
}

// Log wraps a stdlib *log.Logger, prefixing every line with its level.
type Log struct {
	out *log.Logger
}

// New returns a Logger that writes to stderr, matching the teacher's
// default (cmd/server uses the default log.Logger, which also targets
// stderr).
func New() *Log {
	return &Log{out: log.New(os.Stderr, "", log.LstdFlags)}
}

// NewWithWriter builds a Logger around an arbitrary *log.Logger, for tests
// that want to capture output.
func NewWithWriter(l *log.Logger) *Log {
	return &Log{out: l}
}

func (l *Log) Logf(level Level, format string, args ...any) {
	l.out.Printf("["+level.String()+"] "+format, args...)
}

func (l *Log) Info(format string, args ...any)   { l.Logf(Information, format, args...) }
func (l *Log) Warn(format string, args ...any)   { l.Logf(Warning, format, args...) }
func (l *Log) Alert(format string, args ...any)  { l.Logf(Alert, format, args...) }
func (l *Log) Errorf(format string, args ...any) { l.Logf(Error, format, args...) }
func (l *Log) Message(format string, args ...any) { l.Logf(Message, format, args...) }

// Nop discards everything; useful for tests that don't care about log
// output and don't want it cluttering -v runs.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Logf(Level, string, ...any)  {}
func (nopLogger) Info(string, ...any)         {}
func (nopLogger) Warn(string, ...any)         {}
func (nopLogger) Alert(string, ...any)        {}
func (nopLogger) Errorf(string, ...any)       {}
func (nopLogger) Message(string, ...any)      {}
