// Package logger carries one structured slog logger through context so every
// subsystem writes through the logger configured at startup.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

// Logger is the leveled logger handed around in context.
type Logger interface {
	Debug(msg string, tags ...any)
	Info(msg string, tags ...any)
	Warn(msg string, tags ...any)
	Error(msg string, tags ...any)

	// With returns a logger that attaches the tags to every record.
	With(tags ...any) Logger
}

type options struct {
	debug  bool
	format string
	writer io.Writer
}

// Option adjusts logger construction.
type Option func(*options)

// WithDebug lowers the level to debug.
func WithDebug() Option {
	return func(o *options) { o.debug = true }
}

// WithFormat selects the record encoding, "text" or "json".
func WithFormat(format string) Option {
	return func(o *options) { o.format = format }
}

// WithWriter mirrors every record to the writer, typically a log file,
// in addition to stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

var defaultLogger = New(WithFormat("text"))

// New builds a logger writing to stderr and, when configured, a second
// writer.
func New(opts ...Option) Logger {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	handlers := []slog.Handler{newHandler(os.Stderr, o.format, hopts)}
	if o.writer != nil {
		handlers = append(handlers, &serialHandler{
			handler: newHandler(o.writer, o.format, hopts),
		})
	}
	return &appLogger{logger: slog.New(slogmulti.Fanout(handlers...))}
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

type appLogger struct {
	logger *slog.Logger
}

func (a *appLogger) Debug(msg string, tags ...any) { a.logger.Debug(msg, tags...) }
func (a *appLogger) Info(msg string, tags ...any)  { a.logger.Info(msg, tags...) }
func (a *appLogger) Warn(msg string, tags ...any)  { a.logger.Warn(msg, tags...) }
func (a *appLogger) Error(msg string, tags ...any) { a.logger.Error(msg, tags...) }

func (a *appLogger) With(tags ...any) Logger {
	return &appLogger{logger: a.logger.With(tags...)}
}

// serialHandler serializes records to one shared writer so lines from
// concurrent goroutines do not interleave.
type serialHandler struct {
	mu      sync.Mutex
	handler slog.Handler
}

func (h *serialHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *serialHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler.Handle(ctx, record)
}

func (h *serialHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &serialHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *serialHandler) WithGroup(name string) slog.Handler {
	return &serialHandler{handler: h.handler.WithGroup(name)}
}
