package ratelimit

import (
	"context"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
)

// KeyGenerator derives the partition key for a request.
type KeyGenerator func(r *http.Request) (string, error)

const unknownPart = "unknown"

type identityKey struct{}

type tenantKey struct{}

// WithIdentity attaches the authenticated principal's id to ctx so the
// default key generator partitions by it. Authentication middleware calls
// this before the limiter runs.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the id stored by WithIdentity.
func IdentityFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	return id, ok && id != ""
}

// WithTenant attaches the tenant id to ctx.
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantKey{}, id)
}

// TenantFrom returns the id stored by WithTenant.
func TenantFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey{}).(string)
	return id, ok && id != ""
}

// DefaultKeyGenerator partitions by client IP, route, identity and tenant:
//
//	prefix:ip:route:identity:tenant
//
// Missing parts become "unknown"; it never returns an error.
func DefaultKeyGenerator(prefix string) KeyGenerator {
	return func(r *http.Request) (string, error) {
		identity, ok := IdentityFrom(r.Context())
		if !ok {
			identity = unknownPart
		}
		tenant, ok := TenantFrom(r.Context())
		if !ok {
			tenant = unknownPart
		}
		return strings.Join([]string{prefix, ClientIP(r), Route(r), identity, tenant}, ":"), nil
	}
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return unknownPart
}

// Route normalizes the request path so that /users/1 and /users/2 share a
// key when chi matched them to /users/{id}. Without a concrete chi pattern
// it falls back to the cleaned URL path without a trailing slash.
func Route(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		// Patterns ending in a wildcard only say where a sub-router is mounted.
		if pattern := rctx.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "*") {
			return pattern
		}
	}
	p := r.URL.Path
	if p == "" {
		return "/"
	}
	p = path.Clean("/" + p)
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
