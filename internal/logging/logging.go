// Package logging builds the process logger. Every record passes through a
// handler that masks credentials before it is written.
package logging

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a text logger, or a JSON one when format is "json".
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewRedactingHandler(h))
}

type rule struct {
	re   *regexp.Regexp
	repl string
}

var rules = []rule{
	{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{8,}`), "sk-ant-***"},
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{8,}`), "sk-***"},
	{regexp.MustCompile(`gsk_[a-zA-Z0-9]{8,}`), "gsk_***"},
	{regexp.MustCompile(`pplx-[a-zA-Z0-9]{8,}`), "pplx-***"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), "jwt.***"},
	{regexp.MustCompile(`(?i)(bearer\s+)[^"'\s]+`), "${1}***"},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|x-api-key|token|secret|password)["']?\s*[:=]\s*["']?)[^"'\s,}]+`), "${1}***"},
	{regexp.MustCompile(`([A-Za-z0-9_.-]+:)[^@\s/]+(@(?:tcp|unix)\()`), "${1}***${2}"},
	{regexp.MustCompile(`((?:mysql|postgres|postgresql)://[^:/\s]+:)[^@\s]+(@)`), "${1}***${2}"},
}

// Redact masks API keys, bearer tokens, JWTs and DSN passwords in s.
func Redact(s string) string {
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

type redactingHandler struct {
	next slog.Handler
}

func NewRedactingHandler(next slog.Handler) slog.Handler {
	return &redactingHandler{next: next}
}

func (h *redactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, Redact(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(clean)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, Redact(v.String()))
	case slog.KindGroup:
		group := v.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = redactAttr(g)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, Redact(err.Error()))
		}
		return slog.Attr{Key: a.Key, Value: v}
	default:
		return slog.Attr{Key: a.Key, Value: v}
	}
}
