package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware checks for a bearer token or a token query parameter.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if q := r.URL.Query().Get("token"); q != "" && equal(q, token) {
				next.ServeHTTP(w, r)
				return
			}
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") && equal(h[len("Bearer "):], token) {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		})
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
