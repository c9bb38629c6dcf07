package permissions

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/fileharbor/fileharbor/pkg/observability"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the request id attached by RequestID, or ""
// when the request did not pass through it.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestID attaches a unique id to each request, echoing an incoming
// X-Request-ID when the caller supplied one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDResolver extracts the acting user's id from a request. The
// authentication layer lives outside this package; it decides how identity
// travels (session, token, header).
type UserIDResolver func(r *http.Request) (int64, bool)

// RequireRight guards a route: the request proceeds only when the acting
// user holds the given right on the resource identified by getResource.
// Data-access failures are 503, never a silent denial.
func RequireRight(resolver *Resolver, logger *observability.Logger, right Right, userID UserIDResolver, getResource func(r *http.Request) (ResourceType, int64, bool)) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, ok := userID(r)
			if !ok {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			rt, rid, ok := getResource(r)
			if !ok {
				http.Error(w, "Invalid resource", http.StatusBadRequest)
				return
			}

			perms, err := resolver.Resolve(r.Context(), uid, rt, rid)
			if err != nil {
				logger.WithError(err).WithFields(map[string]interface{}{
					"request_id":    RequestIDFromContext(r.Context()),
					"user_id":       uid,
					"resource_type": rt,
					"resource_id":   rid,
				}).Error("permission check failed")
				http.Error(w, "Could not determine access", http.StatusServiceUnavailable)
				return
			}
			if !perms.HasRight(right) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
