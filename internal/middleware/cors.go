package middleware

import (
	"net/http"
)

// CORS allows cross-origin requests from origins, or from any origin when
// origins is empty. It answers OPTIONS preflight requests itself.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case len(allowed) == 0:
				// no credentials with a wildcard origin
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowed reports whether a websocket handshake from origin is
// accepted under the same policy as CORS.
func OriginAllowed(origins []string, origin string) bool {
	if len(origins) == 0 || origin == "" {
		return true
	}
	for _, o := range origins {
		if o == origin {
			return true
		}
	}
	return false
}
