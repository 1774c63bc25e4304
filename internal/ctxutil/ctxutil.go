// Package ctxutil provides shared context key accessors.
//
// The registry stores the identity of the connection a message arrived on in
// the handler context. Services read it back for logging without importing
// the registry.
package ctxutil

import (
	"context"
	"log/slog"
)

type contextKey string

const keyConn contextKey = "conn"

// HeaderRequestID carries the per-request id on HTTP requests and responses.
const HeaderRequestID = "X-Request-ID"

// ConnInfo identifies the connection a message arrived on.
type ConnInfo struct {
	ClientID string
	Kind     string
	Name     string
	HostID   string
	PeerURL  string
}

// WithConn returns a new context carrying the given connection identity.
func WithConn(ctx context.Context, info ConnInfo) context.Context {
	return context.WithValue(ctx, keyConn, info)
}

// ConnFromContext extracts the connection identity from the context.
func ConnFromContext(ctx context.Context) (ConnInfo, bool) {
	v, ok := ctx.Value(keyConn).(ConnInfo)
	return v, ok
}

// LogAttrs returns slog key/value pairs describing the connection in ctx,
// or nil when there is none.
func LogAttrs(ctx context.Context) []any {
	info, ok := ConnFromContext(ctx)
	if !ok {
		return nil
	}
	attrs := []any{
		slog.String("client_id", info.ClientID),
		slog.String("kind", info.Kind),
		slog.String("host_id", info.HostID),
	}
	if info.PeerURL != "" {
		attrs = append(attrs, slog.String("peer_url", info.PeerURL))
	}
	return attrs
}
