package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards the API with a static bearer token. The websocket event
// bridge cannot set an Authorization header from browsers, so a matching
// token query parameter is accepted as a fallback.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tokenMatches(r, token) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenMatches(r *http.Request, token string) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, prefix) {
		return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) == 1
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return subtle.ConstantTimeCompare([]byte(q), []byte(token)) == 1
	}
	return false
}
