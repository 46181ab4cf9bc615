package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SharedSecret accepts either "Authorization: Bearer <secret>" or a
// "?token=<secret>" query parameter, so plain cron services that cannot set
// headers can still call the trigger endpoints. An empty secret rejects
// every request.
func SharedSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || !validToken(presentedToken(r), secret) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedToken(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return auth[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

func validToken(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
