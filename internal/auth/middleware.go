package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware enforces bearer auth on every request it wraps. When the
// service is nil or disabled, requests pass through unchanged.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			credential := ExtractCredential(r)
			if credential == "" {
				unauthorized(w, "missing credentials")
				return
			}

			principal, err := service.Authenticate(credential)
			if err != nil {
				if logger != nil {
					logger.Warn("authentication failed", "path", r.URL.Path, "error", err)
				}
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// ExtractCredential pulls the bearer credential from a request: the
// Authorization header, or a token query parameter for clients such as
// EventSource that cannot set headers.
func ExtractCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return strings.TrimSpace(token)
	}
	return ""
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": detail})
}
