package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/kiranshivaraju/autopost/internal/api/response"
)

// TriggerSecret guards the time-based trigger endpoints with a pre-shared
// bearer secret. Rejection happens before any handler runs. An empty secret
// is a configuration error, not an open door.
func TriggerSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				response.Error(w, http.StatusInternalServerError,
					"CONFIGURATION_ERROR", "Trigger secret is not configured", nil)
				return
			}
			token := extractBearerToken(r)
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				response.Error(w, http.StatusUnauthorized,
					"UNAUTHORIZED", "Invalid trigger secret", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
