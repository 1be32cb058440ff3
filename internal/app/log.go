package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LogFileName is the log file written under the log directory.
const LogFileName = "cbc.log"

// logHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<invocationID>\t<message>\t<key=value ...>
type logHandler struct {
	w            io.Writer
	invocationID string
	level        slog.Leveler
	attrs        []slog.Attr
}

func (h *logHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.level == nil {
		return true
	}
	return level >= h.level.Level()
}

func (h *logHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\t%s\t%s\t%s", r.Time.UTC().Format("2006-01-02T15:04:05Z"), r.Level, h.invocationID, r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&b, "\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, "\t%s=%v", a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')

	// One write per record keeps lines whole in the log file.
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logHandler{
		w:            h.w,
		invocationID: h.invocationID,
		level:        h.level,
		attrs:        append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *logHandler) WithGroup(string) slog.Handler { return h }

// parseLevel maps a config log_level to a slog.Level; empty means info.
func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}

// newLogger creates a structured logger that writes to both
// logDir/cbc.log and stderr. It returns the slog.Logger, the open log file
// (for cleanup), and any error.
func newLogger(logDir, invocationID, levelName string) (*slog.Logger, *os.File, error) {
	level, err := parseLevel(levelName)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	handler := &logHandler{w: io.MultiWriter(f, os.Stderr), invocationID: invocationID, level: level}
	return slog.New(handler), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the backup.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
