package tenantcontext

import (
	"context"
	"strings"
)

// TenantContextKey is the request context key for the authenticated tenant ID.
type TenantContextKey struct{}

// CallerContextKey is the request context key for the authenticated caller kind.
type CallerContextKey struct{}

const (
	CallerService = "service"
	CallerTenant  = "tenant"
)

// WithTenantID stores the tenant ID in the context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantContextKey{}, strings.TrimSpace(tenantID))
}

// TenantIDFromContext returns the tenant ID from context, if set.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(TenantContextKey{}).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// WithCaller stores the caller kind (service or tenant) in the context.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, CallerContextKey{}, caller)
}

// CallerFromContext returns the caller kind, or an empty string.
func CallerFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(CallerContextKey{}).(string)
	return value
}
