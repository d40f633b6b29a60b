package logbuf

import (
	"context"
	"log/slog"
	"strings"
)

// Handler tees every record into a Buffer and forwards it to an inner
// handler. The buffer sees all levels; the inner handler keeps its own
// level filter.
type Handler struct {
	inner  slog.Handler
	buf    *Buffer
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a handler that writes to both buf and inner.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	h.buf.Write(h.entry(r))
	if !h.inner.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *Handler) entry(r slog.Record) Entry {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	add := func(a slog.Attr) bool {
		attrs[h.qualify(a.Key)] = jsonSafe(a.Value)
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)

	e := Entry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Ticket:    lift(attrs, "ticket"),
		Component: lift(attrs, "component"),
	}
	if len(attrs) > 0 {
		e.Attrs = attrs
	}
	return e
}

// lift removes a top-level string attr so it can live in its own field.
func lift(attrs map[string]any, key string) string {
	v, ok := attrs[key].(string)
	if ok {
		delete(attrs, key)
	}
	return v
}

func (h *Handler) qualify(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

// jsonSafe resolves v; errors become their message so they don't marshal
// to {}.
func jsonSafe(v slog.Value) any {
	raw := v.Resolve().Any()
	if err, ok := raw.(error); ok {
		return err.Error()
	}
	return raw
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone(h.inner.WithAttrs(attrs))
	c.attrs = append(c.attrs, attrs...)
	return c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	c := h.clone(h.inner.WithGroup(name))
	c.groups = append(c.groups, name)
	return c
}

func (h *Handler) clone(inner slog.Handler) *Handler {
	return &Handler{
		inner:  inner,
		buf:    h.buf,
		attrs:  h.attrs[:len(h.attrs):len(h.attrs)],
		groups: h.groups[:len(h.groups):len(h.groups)],
	}
}
