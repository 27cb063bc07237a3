package stream

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/windscada/scadafeed/cfg"
)

// AuthMiddleware validates bearer-token authentication for stream endpoints.
// The token may arrive in the Authorization header, the X-Scadafeed-Token
// header, or a `token` query parameter (EventSource clients cannot set
// headers). Every rejection is a uniform 401; the response never reveals
// whether a token was missing, malformed or simply wrong.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Config.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		provided := extractToken(r)
		if provided == "" || !tokenValid(provided) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken pulls the client token from the request, header first.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	if tok := r.Header.Get("X-Scadafeed-Token"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

// tokenValid compares the provided token against every configured token in
// constant time.
func tokenValid(provided string) bool {
	valid := false
	for _, tok := range cfg.Config.Auth.Tokens {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(tok)) == 1 {
			valid = true
		}
	}
	return valid
}
