package session

import (
	"context"

	"github.com/rs/zerolog"
)

// TurnMeta identifies the session and turn a context belongs to. Tool
// handlers and providers receive it with every call a session makes.
type TurnMeta struct {
	SessionID string
	TurnID    string
}

type turnMetaKey struct{}

// WithSessionMeta attaches the session and turn identifiers to ctx. Empty
// identifiers keep the ones of an outer WithSessionMeta.
func WithSessionMeta(ctx context.Context, sessionID, turnID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	meta, _ := TurnMetaFromContext(ctx)
	if sessionID != "" {
		meta.SessionID = sessionID
	}
	if turnID != "" {
		meta.TurnID = turnID
	}
	return context.WithValue(ctx, turnMetaKey{}, meta)
}

func TurnMetaFromContext(ctx context.Context) (TurnMeta, bool) {
	if ctx == nil {
		return TurnMeta{}, false
	}
	meta, ok := ctx.Value(turnMetaKey{}).(TurnMeta)
	return meta, ok
}

func SessionIDFromContext(ctx context.Context) string {
	meta, _ := TurnMetaFromContext(ctx)
	return meta.SessionID
}

func TurnIDFromContext(ctx context.Context) string {
	meta, _ := TurnMetaFromContext(ctx)
	return meta.TurnID
}

// Logger returns base with session_id and turn_id fields for m.
func (m TurnMeta) Logger(base zerolog.Logger) zerolog.Logger {
	c := base.With()
	if m.SessionID != "" {
		c = c.Str("session_id", m.SessionID)
	}
	if m.TurnID != "" {
		c = c.Str("turn_id", m.TurnID)
	}
	return c.Logger()
}

// LoggerFromContext returns base annotated with the turn ctx belongs to.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	meta, _ := TurnMetaFromContext(ctx)
	return meta.Logger(base)
}
