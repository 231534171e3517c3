package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware guards the admin API with a single bearer token.
type AuthMiddleware struct {
	token string
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: strings.TrimSpace(token)}
}

// Enabled reports whether a token is configured. Without one the admin API
// is not served at all.
func (am *AuthMiddleware) Enabled() bool {
	return am.token != ""
}

// Wrap rejects requests that do not carry the admin token.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.Enabled() {
			http.NotFound(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(am.token)) != 1 {
			writeJSONError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey checks, in order: Authorization: Bearer <key>, X-API-Key,
// and the api_key query parameter (browsers cannot set headers on a
// websocket upgrade).
func ExtractAPIKey(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
