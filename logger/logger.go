// Package logger wraps logrus with the six-level set this system's script
// VM and operational logging use (Trace, Debug, Info, Warn, Error,
// Critical). Adapted from github.com/nabbar/golib/logger's level-type
// convention (see DESIGN.md) but trimmed to a single shared instance — this
// system has no per-component hook chain to manage.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ccsuper1024/embedded-backend/event"
)

// Level is the set of levels this system's config and script VM speak in.
type Level uint8

const (
	TraceLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	CriticalLevel
)

func (l Level) String() string {
	switch l {
	case TraceLevel:
		return "trace"
	case DebugLevel:
		return "debug"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case CriticalLevel:
		return "critical"
	default:
		return "info"
	}
}

// ParseLevel defaults to InfoLevel for any unrecognized string, matching
// app_config.cpp's log_level fallback and the VM's log() host function.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TraceLevel
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "critical", "fatal":
		return CriticalLevel
	default:
		return InfoLevel
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case TraceLevel:
		return logrus.TraceLevel
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel, CriticalLevel:
		// logrus has no distinct "critical" level; Fatal/Panic would abort
		// the process, which nothing in this system's error model calls
		// for (see SPEC_FULL.md §10), so Critical logs at Error with a
		// marker field instead.
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger is the single shared logging handle, constructed once at startup
// and passed explicitly to every component that needs it (SPEC_FULL.md §9:
// "singleton registries -> explicit handle").
type Logger struct {
	entry *logrus.Logger
	node  string
}

// New builds a Logger at the given level, writing structured text to
// stdout, tagged with the node name from configuration.
func New(level Level, nodeName string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(level.logrusLevel())
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return &Logger{entry: l, node: nodeName}
}

func (lg *Logger) base() *logrus.Entry {
	return lg.entry.WithField("node", lg.node)
}

func (lg *Logger) Tracef(format string, args ...interface{}) { lg.base().Tracef(format, args...) }
func (lg *Logger) Debugf(format string, args ...interface{}) { lg.base().Debugf(format, args...) }
func (lg *Logger) Infof(format string, args ...interface{})  { lg.base().Infof(format, args...) }
func (lg *Logger) Warnf(format string, args ...interface{})  { lg.base().Warnf(format, args...) }
func (lg *Logger) Errorf(format string, args ...interface{}) { lg.base().Errorf(format, args...) }
func (lg *Logger) Criticalf(format string, args ...interface{}) {
	lg.base().WithField("critical", true).Errorf(format, args...)
}

// LogTask emits a script-originated LogTask at its requested level,
// matching the log consumer's disposition in spec.md §4.G.
func (lg *Logger) LogTask(t event.LogTask) {
	switch t.Level {
	case event.LogTrace:
		lg.Tracef("%s", t.Message)
	case event.LogDebug:
		lg.Debugf("%s", t.Message)
	case event.LogWarn:
		lg.Warnf("%s", t.Message)
	case event.LogError:
		lg.Errorf("%s", t.Message)
	case event.LogCritical:
		lg.Criticalf("%s", t.Message)
	default:
		lg.Infof("%s", t.Message)
	}
}
