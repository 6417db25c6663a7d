package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// levelRouter sends records below ERROR to out and ERROR and above to errOut.
type levelRouter struct {
	out    slog.Handler
	errOut slog.Handler
}

func (lr *levelRouter) Enabled(ctx context.Context, level slog.Level) bool {
	return lr.out.Enabled(ctx, level)
}

func (lr *levelRouter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		return lr.errOut.Handle(ctx, r)
	}
	return lr.out.Handle(ctx, r)
}

func (lr *levelRouter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRouter{out: lr.out.WithAttrs(attrs), errOut: lr.errOut.WithAttrs(attrs)}
}

func (lr *levelRouter) WithGroup(name string) slog.Handler {
	return &levelRouter{out: lr.out.WithGroup(name), errOut: lr.errOut.WithGroup(name)}
}

// ParseLevel maps debug, info, warn and error onto slog levels.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// NewLogger builds a structured logger writing text or JSON. Errors go to
// errOut, everything else to out.
func NewLogger(cfg LogConfig, out, errOut io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h *levelRouter
	switch cfg.Format {
	case "", "text":
		h = &levelRouter{out: slog.NewTextHandler(out, opts), errOut: slog.NewTextHandler(errOut, opts)}
	case "json":
		h = &levelRouter{out: slog.NewJSONHandler(out, opts), errOut: slog.NewJSONHandler(errOut, opts)}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), nil
}
