package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth returns middleware requiring "Authorization: Bearer <token>"
// on every request. An empty configured token disables the check, which
// is only acceptable for lab installs behind a private network.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if presented == r.Header.Get("Authorization") ||
				subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				Error(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
