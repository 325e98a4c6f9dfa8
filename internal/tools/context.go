package tools

import "context"

type toolContextKey string

const (
	ctxKeyWorkspace toolContextKey = "workspace"
	ctxKeySession   toolContextKey = "session_id"
	ctxKeyDepth     toolContextKey = "depth"
	ctxKeyUser      toolContextKey = "user_id"
)

// WithWorkspace attaches the workspace root the tools may touch.
func WithWorkspace(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, ctxKeyWorkspace, dir)
}

// WorkspaceFromCtx returns the workspace root, or "" when unset.
func WorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyWorkspace).(string)
	return v
}

// WithSession attaches the owning agent session id.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySession, sessionID)
}

// SessionFromCtx returns the session id, or "" when unset.
func SessionFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeySession).(string)
	return v
}

// WithDepth attaches the sub-agent recursion depth (0 for a root run).
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, ctxKeyDepth, depth)
}

// DepthFromCtx returns the recursion depth, or 0 when unset.
func DepthFromCtx(ctx context.Context) int {
	v, _ := ctx.Value(ctxKeyDepth).(int)
	return v
}

// WithUser attaches the requesting user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUser, userID)
}

// UserFromCtx returns the user id, or "" when unset.
func UserFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUser).(string)
	return v
}
