package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sendolabs/custody-engine/internal/api/problem"
)

var operatorToken []byte

// SetOperatorToken installs the static bearer token required on operator routes.
func SetOperatorToken(token string) {
	if token == "" {
		return
	}
	operatorToken = []byte(token)
}

// AuthMiddleware enforces the operator bearer token.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(operatorToken) == 0 {
			problem.Write(w, r, http.StatusServiceUnavailable,
				problem.Type("auth-not-configured"),
				http.StatusText(http.StatusServiceUnavailable),
				"operator token is not configured")
			return
		}

		authHeader := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || token == "" {
			problem.Write(w, r, http.StatusUnauthorized,
				problem.Type("missing-credentials"),
				http.StatusText(http.StatusUnauthorized),
				"Authorization: Bearer token is required")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), operatorToken) != 1 {
			problem.Write(w, r, http.StatusUnauthorized,
				problem.Type("invalid-credentials"),
				http.StatusText(http.StatusUnauthorized),
				"invalid operator token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
