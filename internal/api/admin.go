package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/ignite/bulk-verifier/internal/pkg/httputil"
)

// AdminTokenHeader carries the operator token for /api/admin.
const AdminTokenHeader = "X-Admin-Token"

// RequireAdmin guards operator routes with a shared token. An empty token
// disables the routes.
func RequireAdmin(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(want) == 0 {
				httputil.ErrorCode(w, http.StatusForbidden, "admin_disabled", "admin API is disabled: no admin token configured")
				return
			}
			got := []byte(strings.TrimSpace(r.Header.Get(AdminTokenHeader)))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				httputil.ErrorCode(w, http.StatusUnauthorized, "admin_required", "a valid "+AdminTokenHeader+" header is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
