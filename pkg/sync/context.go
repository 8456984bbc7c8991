package sync

import "context"

// ContextKey is the context key for the scheduler.
var ContextKey = struct{ string }{"scheduler"}

// FromContext returns the scheduler from the given context.
func FromContext(ctx context.Context) *Scheduler {
	if s, ok := ctx.Value(ContextKey).(*Scheduler); ok {
		return s
	}
	return nil
}

// WithContext returns a new context with the given scheduler attached.
func WithContext(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, ContextKey, s)
}
