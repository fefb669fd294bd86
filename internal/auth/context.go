package auth

import "context"

// TenantInfo is a key type for storing tenant information in context
type TenantInfo string

// TokenExpiration is a key type for storing token expiration in context
type TokenExpiration string

// ContextTenantKey is the key used to store tenant information in context
const ContextTenantKey TenantInfo = "tenant_id"

// ContextTokenExpirationKey is the key used to store token expiration in context
const ContextTokenExpirationKey TokenExpiration = "token_expiration"

// WithTenantID adds tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ContextTenantKey, tenantID)
}

// GetTenantID retrieves tenant ID from context
func GetTenantID(ctx context.Context) (string, bool) {
	val, ok := ctx.Value(ContextTenantKey).(string)
	return val, ok && val != ""
}

// WithTokenExpiration adds token expiration (Unix seconds) to the context
func WithTokenExpiration(ctx context.Context, expiration int64) context.Context {
	return context.WithValue(ctx, ContextTokenExpirationKey, expiration)
}

// GetTokenExpiration retrieves token expiration from context
func GetTokenExpiration(ctx context.Context) (int64, bool) {
	val, ok := ctx.Value(ContextTokenExpirationKey).(int64)
	return val, ok
}
