package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/gateway-server-go/internal/util"
)

// AuthMiddleware guards the API with a single bearer token. The token is
// compared against the configured hash in constant time.
type AuthMiddleware struct {
	tokenHash string
}

func NewAuthMiddleware(apiToken string) *AuthMiddleware {
	hash := ""
	if apiToken != "" {
		hash = util.HashToken(apiToken)
	}
	return &AuthMiddleware{tokenHash: hash}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.tokenHash == "" {
			// No token configured: open access (dev mode only; config
			// validation refuses this in production).
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		if !util.ConstantTimeEqual(util.HashToken(token), m.tokenHash) {
			log.Warn().Str("path", r.URL.Path).Msg("rejected invalid api token")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid authentication token",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// SSE clients cannot set headers from EventSource; allow a query param.
	return r.URL.Query().Get("token")
}
