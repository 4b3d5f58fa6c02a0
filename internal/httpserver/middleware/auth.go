// Package middleware provides HTTP middleware for the release API.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth rejects requests whose Authorization header does not carry
// token. Websocket clients may pass the token as the access_token query
// parameter since browsers cannot set headers on upgrade requests.
// An empty token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(requestToken(r)), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="rollout"`)
				http.Error(w, "Unauthorized: invalid or missing token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}
