// Package corelog provides the ambient structured logger used across the
// module: log/slog records with a TRACE/DEBUG/INFO/WARNING/ERROR severity
// (TRACE sits below slog's built-in Debug), written either as logfmt-ish
// text or as JSON, through a lumberjack-rotated file.
package corelog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity is one of the five logging levels this package exposes.
type Severity = slog.Level

const (
	LevelTrace Severity = slog.LevelDebug - 4
	LevelDebug Severity = slog.LevelDebug
	LevelInfo Severity = slog.LevelInfo
	LevelWarning Severity = slog.LevelWarn
	LevelError Severity = slog.LevelError
)

func severityName(l slog.Level) string {
	switch {
	case l < LevelDebug:
		return "TRACE"
	case l < LevelInfo:
		return "DEBUG"
	case l < LevelWarning:
		return "INFO"
	case l < LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// Format selects the on-disk record shape.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config describes where and how to log.
type Config struct {
	Format Format
	Path string // empty means stderr, no rotation
	Level Severity
	MaxSizeMB int
	MaxBackups int
	MaxAgeDays int
}

// New builds a *slog.Logger over a rotating lumberjack file (or stderr if
// Path is empty), using the severity handler below.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		w = &lumberjack.Logger{
			Filename: cfg.Path,
			MaxSize: orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge: orDefault(cfg.MaxAgeDays, 28),
		}
	}

	h := &severityHandler{w: w, format: cfg.Format, level: cfg.Level}
	return slog.New(h)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// severityHandler is a minimal slog.Handler producing two on-disk shapes:
// a text line of `time="..." severity=X message="..."` and a JSON object
// with a {seconds,nanos} timestamp pair.
type severityHandler struct {
	mu sync.Mutex
	w io.Writer
	format Format
	level Severity
	attrs []slog.Attr
	group string
}

func (h *severityHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *severityHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg := r.Message
	for _, a := range h.attrs {
		msg = appendAttr(msg, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		msg = appendAttr(msg, a)
		return true
	})

	var line string
	switch h.format {
	case FormatJSON:
		line = fmt.Sprintf(
			`{"timestamp":{"seconds":%d,"nanos":%d},"severity":%q,"message":%q}`,
			r.Time.Unix(), r.Time.Nanosecond(), severityName(r.Level), msg)
	default:
		line = fmt.Sprintf("time=%q severity=%s message=%q",
			r.Time.Format(time.RFC3339Nano), severityName(r.Level), msg)
	}

	_, err := fmt.Fprintln(h.w, line)
	return err
}

func appendAttr(msg string, a slog.Attr) string {
	return fmt.Sprintf("%s %s=%v", msg, a.Key, a.Value)
}

func (h *severityHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *severityHandler) WithGroup(name string) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *h
	cp.group = name
	return &cp
}
