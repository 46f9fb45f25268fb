package tools

import "context"

type contextKey string

const userIDKey contextKey = "user_id"

// WithUserID records the user a tool call is made on behalf of.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext returns the user set by WithUserID, or "" if none.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
