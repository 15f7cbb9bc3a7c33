package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
)

type Level int

const (
	INFO Level = iota
	WARN
	ERROR
	DEBUG
)

var (
	// Output writer (defaults to stdout)
	out io.Writer = os.Stdout

	rootMu sync.RWMutex
	root   = log.NewLogger(log.NewTerminalHandlerWithLevel(out, slog.LevelInfo, false))

	// Log channel for the status stream (optional)
	logChan   chan LogEntry
	logChanMu sync.RWMutex
)

// LogEntry represents a structured log message
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

// Init sets up the root logger. Colors are used when forced, or on a
// terminal when NO_COLOR is unset.
func Init(levelName string, forceColor bool) {
	useColor := forceColor || (os.Getenv("NO_COLOR") == "" && isTerminal(out))
	Setup(out, ParseLevel(levelName), useColor)
}

// Setup replaces the root logger. Also installs it as go-ethereum's default
// so library logs share the same handler.
func Setup(w io.Writer, lvl slog.Level, useColor bool) {
	l := log.NewLogger(log.NewTerminalHandlerWithLevel(w, lvl, useColor))
	rootMu.Lock()
	out = w
	root = l
	rootMu.Unlock()
	log.SetDefault(l)
}

// ParseLevel maps debug/info/warn/error to a slog level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "crit":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetLogChannel sets a channel to stream logs to (e.g., for the /ws status stream)
func SetLogChannel(ch chan LogEntry) {
	logChanMu.Lock()
	defer logChanMu.Unlock()
	logChan = ch
}

func emit(level Level, component string, format string, args ...interface{}) {
	rootMu.RLock()
	l := root
	rootMu.RUnlock()

	var (
		levelStr string
		slogLvl  slog.Level
	)
	switch level {
	case INFO:
		levelStr, slogLvl = "INFO", slog.LevelInfo
	case WARN:
		levelStr, slogLvl = "WARN", slog.LevelWarn
	case ERROR:
		levelStr, slogLvl = "ERROR", slog.LevelError
	case DEBUG:
		levelStr, slogLvl = "DEBUG", slog.LevelDebug
	}
	// Filtered records are neither written nor streamed.
	if !l.Enabled(context.Background(), slogLvl) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	l.Write(slogLvl, msg, "component", component)

	entry := LogEntry{
		Timestamp: time.Now().Format("15:04:05"),
		Level:     levelStr,
		Component: component,
		Message:   msg,
	}

	logChanMu.RLock()
	if logChan != nil {
		select {
		case logChan <- entry:
		default:
			// Drop log if channel is full
		}
	}
	logChanMu.RUnlock()
}

func Info(component string, format string, args ...interface{}) {
	emit(INFO, component, format, args...)
}

func Warn(component string, format string, args ...interface{}) {
	emit(WARN, component, format, args...)
}

func Error(component string, format string, args ...interface{}) {
	emit(ERROR, component, format, args...)
}

func Debug(component string, format string, args ...interface{}) {
	emit(DEBUG, component, format, args...)
}
