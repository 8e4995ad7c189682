package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LoggerOptions controls the process-wide logger
type LoggerOptions struct {
	Debug   bool
	JSON    bool
	LogFile string
	// Output receives console logs; stderr when nil so stdout stays free
	// for command results.
	Output io.Writer
}

// InitLogger configures the default logger with optional file output.
// The returned closer releases the log file, if one was opened.
func InitLogger(opts LoggerOptions) (*slog.Logger, func() error) {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handlers []slog.Handler
	if opts.JSON {
		handlers = append(handlers, slog.NewJSONHandler(out, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(out, handlerOpts))
	}

	closer := func() error { return nil }
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			handlers = append(handlers, slog.NewJSONHandler(f, handlerOpts))
			closer = f.Close
		} else {
			slog.Error("Failed to open log file", "path", opts.LogFile, "error", err)
		}
	}

	var handler slog.Handler
	if len(handlers) > 1 {
		handler = &multiHandler{handlers: handlers}
	} else {
		handler = handlers[0]
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range m.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}
