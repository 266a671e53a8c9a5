// Package logging wraps log/slog for the viewer. Package-level loggers are
// created at init time with L and start writing through the configured
// handler once Init runs.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field names shared across packages.
const (
	KeySession    = "session"
	KeyComponent  = "component"
	KeyStep       = "step"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

var root atomic.Pointer[slog.Handler]

func init() {
	setRoot(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(slog.New(deferred{}))
}

func setRoot(h slog.Handler) { root.Store(&h) }

// deferred resolves the root handler on every call and replays the attrs
// and groups added to it, so loggers built before Init follow the handler
// Init installs.
type deferred struct {
	derive []func(slog.Handler) slog.Handler
}

func (d deferred) resolve() slog.Handler {
	h := *root.Load()
	for _, fn := range d.derive {
		h = fn(h)
	}
	return h
}

func (d deferred) with(fn func(slog.Handler) slog.Handler) deferred {
	derive := make([]func(slog.Handler) slog.Handler, len(d.derive), len(d.derive)+1)
	copy(derive, d.derive)
	return deferred{derive: append(derive, fn)}
}

func (d deferred) Enabled(ctx context.Context, level slog.Level) bool {
	return (*root.Load()).Enabled(ctx, level)
}

func (d deferred) Handle(ctx context.Context, r slog.Record) error {
	return d.resolve().Handle(ctx, r)
}

func (d deferred) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return d
	}
	return d.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (d deferred) WithGroup(name string) slog.Handler {
	if name == "" {
		return d
	}
	return d.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

// Init installs the process-wide handler. format is "json" or "text",
// level is one of debug, info, warn, error. A nil output logs to stderr.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if strings.EqualFold(format, "json") {
		setRoot(slog.NewJSONHandler(output, opts))
	} else {
		setRoot(slog.NewTextHandler(output, opts))
	}
}

// L returns a logger tagged with a component name.
func L(component string) *slog.Logger {
	return slog.New(deferred{}).With(slog.String(KeyComponent, component))
}

// WithSession returns a child logger carrying the decode session id.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(slog.String(KeySession, sessionID))
}

type contextKey struct{}

func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored by NewContext, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
