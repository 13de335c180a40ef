package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ignite/bulk-verifier/internal/pkg/httputil"
)

// OwnerHeader carries the calling account. Authentication happens in front
// of this service.
const OwnerHeader = "X-Owner-ID"

type ownerContextKey struct{}

// RequireOwner rejects requests without an owner header and stores the owner
// id in the request context.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			httputil.ErrorCode(w, http.StatusUnauthorized, "owner_required", OwnerHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerContextKey{}, owner)))
	})
}

// OwnerFromContext returns the owner id set by RequireOwner.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerContextKey{}).(string)
	return owner
}
