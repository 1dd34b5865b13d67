package tools

import "context"

type contextKey string

const iterationKey contextKey = "iteration"

// WithIteration tags the context with the loop iteration driving this
// invocation. Tools that spend money (the coding agent's model calls)
// carry it into usage records.
func WithIteration(ctx context.Context, n int64) context.Context {
	return context.WithValue(ctx, iterationKey, n)
}

// IterationFromContext extracts the loop iteration, or 0 when unset.
func IterationFromContext(ctx context.Context) int64 {
	if n, ok := ctx.Value(iterationKey).(int64); ok {
		return n
	}
	return 0
}
