// Package nlog is ecosim's thin logging wrapper: a leveled logger built on
// the standard library's log package, with a verbosity-gated FastV check so
// hot paths (the tick loop, delta-frame construction) can skip formatting
// work entirely when the log level doesn't care.
package nlog

import (
	"log"
	"os"
	"strconv"
	"sync/atomic"
)

type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var (
	std  = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	level atomic.Int32
	verbosity atomic.Int32
)

func init() {
	level.Store(int32(LevelInfo))
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		SetLevel(ParseLevel(v))
	}
	if v := os.Getenv("LOG_VERBOSITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			verbosity.Store(int32(n))
		}
	}
}

func ParseLevel(s string) Level {
	switch s {
	case "error", "ERROR":
		return LevelError
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn
	case "debug", "DEBUG":
		return LevelDebug
	default:
		return LevelInfo
	}
}

func SetLevel(l Level) { level.Store(int32(l)) }
func SetVerbosity(v int) { verbosity.Store(int32(v)) }

// FastV reports whether verbosity-gated logging at level v should run. Callers
// check this before building expensive log arguments on a hot path:
//
//	if cmn.Rom.FastV(5, cos.SmoduleMigration) { nlog.Infof("...", expensive()) }
func FastV(v int) bool { return int32(v) <= verbosity.Load() }

func enabled(l Level) bool { return l <= Level(level.Load()) }

func Infoln(args ...any) {
	if enabled(LevelInfo) {
		std.Println(append([]any{"I:"}, args...)...)
	}
}

func Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		std.Printf("I: "+format, args...)
	}
}

func Warnln(args ...any) {
	if enabled(LevelWarn) {
		std.Println(append([]any{"W:"}, args...)...)
	}
}

func Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		std.Printf("W: "+format, args...)
	}
}

func Errorln(args ...any) {
	if enabled(LevelError) {
		std.Println(append([]any{"E:"}, args...)...)
	}
}

func Errorf(format string, args ...any) {
	if enabled(LevelError) {
		std.Printf("E: "+format, args...)
	}
}
