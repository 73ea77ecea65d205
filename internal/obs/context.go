package obs

import "context"

type routePatternKey struct{}

// WithRoutePattern annotates the context with the router pattern that matched
// the request. Metrics and logs key on the pattern rather than the raw path
// so /api/v1/webhooks/{provider} stays a single series.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext returns the stored pattern, or "" when none matched.
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	pattern, _ := ctx.Value(routePatternKey{}).(string)
	return pattern
}
