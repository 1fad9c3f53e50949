package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// TokenVerifier checks a bearer token.
type TokenVerifier interface {
	VerifyToken(token string) (*Claims, error)
}

// Middleware handles authentication and authorization. A Middleware without
// a verifier lets every request through.
type Middleware struct {
	verifier TokenVerifier
}

// NewMiddleware creates a middleware. Pass nil to disable authentication.
func NewMiddleware(verifier TokenVerifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// Enabled reports whether tokens are checked.
func (m *Middleware) Enabled() bool {
	return m.verifier != nil
}

// RequireScope wraps next so it runs only for a token granting every scope.
func (m *Middleware) RequireScope(next http.HandlerFunc, requiredScopes ...string) http.HandlerFunc {
	if m.verifier == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			return
		}

		claims, err := m.verifier.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
			return
		}

		for _, scope := range requiredScopes {
			if !claims.HasScope(scope) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
				return
			}
		}

		next(w, r.WithContext(WithClaims(r.Context(), claims)))
	}
}

// extractBearerToken extracts the bearer token from the Authorization header.
// Browsers cannot set headers on EventSource, so access_token is accepted as
// a query parameter too.
func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
		return "", fmt.Errorf("missing Authorization header")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}

// writeError writes the standard error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"result":  "error",
		"code":    code,
		"message": message,
	})
}
