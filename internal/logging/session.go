package logging

import (
	"context"
	"log/slog"
)

// SessionKey groups the live session attributes on every record.
const SessionKey = "session"

// ContextProvider returns the attributes that change while the process
// runs, such as the attached pid and channel name. It is called once per
// record and must not log.
type ContextProvider func() []slog.Attr

// step is a WithAttrs or WithGroup call made after the first group was
// opened.
type step struct {
	group string
	attrs []slog.Attr
}

// SessionHandler adds the provider's attributes to each record as a
// top-level "session" group, even when the logger has open groups.
// Records logged while the provider returns nothing pass through as is.
type SessionHandler struct {
	inner    slog.Handler
	provider ContextProvider
	// steps are replayed on top of inner after the session group is added.
	steps []step
}

func NewSessionHandler(inner slog.Handler, provider ContextProvider) *SessionHandler {
	return &SessionHandler{inner: inner, provider: provider}
}

func (h *SessionHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SessionHandler) Handle(ctx context.Context, r slog.Record) error {
	var session []slog.Attr
	if h.provider != nil {
		session = h.provider()
	}
	if len(session) == 0 {
		return h.replay(h.inner).Handle(ctx, r)
	}

	group := slog.Attr{Key: SessionKey, Value: slog.GroupValue(session...)}
	if len(h.steps) == 0 {
		r.AddAttrs(group)
		return h.inner.Handle(ctx, r)
	}
	return h.replay(h.inner.WithAttrs([]slog.Attr{group})).Handle(ctx, r)
}

func (h *SessionHandler) replay(inner slog.Handler) slog.Handler {
	for _, s := range h.steps {
		if s.group != "" {
			inner = inner.WithGroup(s.group)
		} else {
			inner = inner.WithAttrs(s.attrs)
		}
	}
	return inner
}

func (h *SessionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(h.steps) == 0 {
		return &SessionHandler{inner: h.inner.WithAttrs(attrs), provider: h.provider}
	}
	return h.with(step{attrs: attrs})
}

func (h *SessionHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(step{group: name})
}

func (h *SessionHandler) with(s step) *SessionHandler {
	steps := make([]step, len(h.steps), len(h.steps)+1)
	copy(steps, h.steps)
	return &SessionHandler{inner: h.inner, provider: h.provider, steps: append(steps, s)}
}
