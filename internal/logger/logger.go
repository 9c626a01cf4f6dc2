// Package logger is the process-wide slog wrapper used by every component.
// Messages follow "component: message key=value".
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var (
	levelVar   slog.LevelVar
	loggerMu   sync.RWMutex
	baseLogger *slog.Logger
	jsonOutput bool
	output     io.Writer = os.Stdout
)

func init() {
	levelVar.Set(slog.LevelInfo)
	baseLogger = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: &levelVar}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetOutput replaces the destination writer. Pass an io.MultiWriter to tee
// into a rotating file.
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	output = w
	baseLogger = newLogger(w)
	loggerMu.Unlock()
}

// SetJSON switches between the text and JSON handlers.
func SetJSON(enabled bool) {
	loggerMu.Lock()
	jsonOutput = enabled
	baseLogger = newLogger(output)
	loggerMu.Unlock()
}

func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "info":
		levelVar.Set(slog.LevelInfo)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

func activeLogger() *slog.Logger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if baseLogger == nil {
		baseLogger = newLogger(os.Stdout)
	}
	return baseLogger
}

func Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...))
}

// Scoped carries fixed attributes, such as the user and cycle a line
// belongs to, on every record it writes.
type Scoped struct {
	attrs []any
}

// With returns a Scoped logger. args are slog key/value pairs.
func With(args ...any) *Scoped {
	return &Scoped{attrs: args}
}

func (s *Scoped) With(args ...any) *Scoped {
	attrs := make([]any, 0, len(s.attrs)+len(args))
	attrs = append(attrs, s.attrs...)
	return &Scoped{attrs: append(attrs, args...)}
}

func (s *Scoped) Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...), s.attrs...)
}

func (s *Scoped) Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...), s.attrs...)
}

func (s *Scoped) Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...), s.attrs...)
}

func (s *Scoped) Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...), s.attrs...)
}
