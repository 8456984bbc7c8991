package gitea

import "context"

// ContextKey is the context key for the Gitea client.
var ContextKey = struct{ string }{"gitea"}

// FromContext returns the Gitea client from the given context.
func FromContext(ctx context.Context) *Client {
	if c, ok := ctx.Value(ContextKey).(*Client); ok {
		return c
	}
	return nil
}

// WithContext returns a new context with the given client attached.
func WithContext(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, ContextKey, c)
}
