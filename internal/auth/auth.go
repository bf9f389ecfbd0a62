// Package auth models the Caller identity this system assumes is provided
// by an external auth layer (see SPEC_FULL §1 non-goals). It does not
// authenticate; it only carries and gates on role, matching the shape the
// external layer is contracted to hand over.
package auth

import (
	"context"
	"net/http"

	"simbatch/internal/httpx"
)

// Role is one of the three caller kinds this system recognizes.
type Role string

const (
	RoleWorker Role = "worker"
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
)

// Caller identifies the entity making a request.
type Caller struct {
	ID   string
	Role Role
}

type ctxKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the Caller carried by ctx, if any.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	return c, ok
}

// Require returns middleware that rejects requests whose Caller role is not
// in allowed. The Caller must already be attached to the request context
// (by whatever upstream auth middleware resolves identity) — this only
// gates on role, as the spec assumes identity resolution is external.
func Require(allowed ...Role) func(http.Handler) http.Handler {
	allow := make(map[Role]bool, len(allowed))
	for _, r := range allowed {
		allow[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := FromContext(r.Context())
			if !ok {
				httpx.Write(w, r, httpx.Unauthorized("missing caller identity"))
				return
			}
			if !allow[caller.Role] {
				httpx.Write(w, r, httpx.Forbidden("role not permitted for this operation"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FromHeaders resolves a Caller from the X-Caller-Id / X-Caller-Role headers
// and a worker shared-secret check, standing in for the external auth layer
// during local/dev use and integration tests. Production deployments are
// expected to front this with a real identity provider that sets the same
// headers downstream.
func FromHeaders(workerSharedSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := Role(r.Header.Get("X-Caller-Role"))
			id := r.Header.Get("X-Caller-Id")
			switch role {
			case RoleWorker:
				if workerSharedSecret == "" || r.Header.Get("X-Worker-Secret") != workerSharedSecret {
					httpx.Write(w, r, httpx.Unauthorized("invalid worker secret"))
					return
				}
			case RoleUser, RoleAdmin:
				if id == "" {
					httpx.Write(w, r, httpx.Unauthorized("missing caller id"))
					return
				}
			default:
				httpx.Write(w, r, httpx.Unauthorized("unrecognized caller role"))
				return
			}
			ctx := WithCaller(r.Context(), Caller{ID: id, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
