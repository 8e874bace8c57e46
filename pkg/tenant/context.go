// Package tenant carries the store (tenant) identity of a request. Stock data is
// partitioned by the scope derived from it.
package tenant

import "context"

type ctxKey struct{}

// DefaultScope is used when a request carries no tenant, e.g. single-store installs
const DefaultScope = "default"

// WithTenantID returns ctx carrying tenantID
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// TenantID reports the tenant set on ctx, if any
func TenantID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Scope returns the opaque partition key for stock data: the tenant ID
// verbatim, or DefaultScope.
func Scope(ctx context.Context) string {
	if id, ok := TenantID(ctx); ok {
		return id
	}
	return DefaultScope
}
