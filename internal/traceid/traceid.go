// Package traceid attaches a per-job-execution trace id to a context so
// log lines emitted anywhere inside a claim/execute/finalize cycle can be
// correlated without threading an extra parameter through every call.
package traceid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// New generates a random UUID v4 trace id.
func New() string {
	return uuid.NewString()
}

// WithTraceID returns a copy of ctx with the trace id attached.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the trace id from ctx. Returns "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
