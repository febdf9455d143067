// Package ctxkeys carries request-scoped identity injected by the edge.
// The upstream gateway verifies the caller; nothing here re-checks it.
package ctxkeys

import "context"

// IdentityHeader carries the caller's user ID, set by the edge proxy after
// it has authenticated the request. Both the API server and the websocket
// gateway read it.
const IdentityHeader = "X-User-ID"

type ctxKey int

const userIDKey ctxKey = iota

// WithUserID returns a context carrying the trusted caller identity.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID extracts the trusted caller identity, if present.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok && v != ""
}
