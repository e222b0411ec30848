package workspace

import "context"

type ctxKey struct{}

// With returns a context with ws as the active workspace. Passing nil
// explicitly suspends any active workspace for the scope of the returned
// context.
func With(ctx context.Context, ws *Workspace) context.Context {
	return context.WithValue(ctx, ctxKey{}, ws)
}

// FromContext returns the active workspace, or nil when none is active.
// Closed workspaces are never active: they remain queryable as a historical
// snapshot but all reads and writes against them go to the base store.
func FromContext(ctx context.Context) *Workspace {
	ws, _ := ctx.Value(ctxKey{}).(*Workspace)
	if ws != nil && ws.Status == StatusClosed {
		return nil
	}
	return ws
}

// RunOutside executes fn with no active workspace. The suspension is scoped
// to the derived context handed to fn; the caller's context is untouched.
func RunOutside(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(With(ctx, nil))
}
