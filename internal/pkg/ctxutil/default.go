package ctxutil

import "context"

// Default treats a nil ctx as context.Background().
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// Detached keeps ctx's values (trace and request data) but not its deadline or
// cancellation. Used for work that must outlive the request or job that started it.
func Detached(ctx context.Context) context.Context {
	return context.WithoutCancel(Default(ctx))
}
