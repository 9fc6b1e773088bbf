// Package logger is a small leveled printf logger shared by the daemon and
// the metadata core. Long-running workers take a component logger so their
// lines are attributable without threading a logger through every call.
package logger

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	currentLevel atomic.Int32
	out          = stdlog.New(os.Stdout, "", 0)
)

func init() {
	currentLevel.Store(int32(LevelInfo))
}

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

// SetLevel sets the global threshold. Unknown names are ignored.
func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel.Store(int32(LevelDebug))
	case "INFO":
		currentLevel.Store(int32(LevelInfo))
	case "WARN":
		currentLevel.Store(int32(LevelWarn))
	case "ERROR":
		currentLevel.Store(int32(LevelError))
	}
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	out = stdlog.New(w, "", 0)
}

func emit(level Level, component, format string, v ...any) {
	if int32(level) < currentLevel.Load() {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	var prefix string
	if component != "" {
		prefix = fmt.Sprintf("[%s] [%s] [%s] ", timestamp, level.String(), component)
	} else {
		prefix = fmt.Sprintf("[%s] [%s] ", timestamp, level.String())
	}
	out.Println(prefix + fmt.Sprintf(format, v...))
}

func Debug(format string, v ...any) { emit(LevelDebug, "", format, v...) }
func Info(format string, v ...any)  { emit(LevelInfo, "", format, v...) }
func Warn(format string, v ...any)  { emit(LevelWarn, "", format, v...) }
func Error(format string, v ...any) { emit(LevelError, "", format, v...) }

// Component returns a logger whose lines carry a fixed component tag.
type ComponentLogger struct {
	name string
}

func Component(name string) *ComponentLogger {
	return &ComponentLogger{name: name}
}

func (c *ComponentLogger) Debug(format string, v ...any) { emit(LevelDebug, c.name, format, v...) }
func (c *ComponentLogger) Info(format string, v ...any)  { emit(LevelInfo, c.name, format, v...) }
func (c *ComponentLogger) Warn(format string, v ...any)  { emit(LevelWarn, c.name, format, v...) }
func (c *ComponentLogger) Error(format string, v ...any) { emit(LevelError, c.name, format, v...) }
