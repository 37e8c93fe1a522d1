// ABOUTME: HTTP middleware for JWT authentication on the API and websocket endpoints
// ABOUTME: Extracts a bearer token, verifies it, and adds the claims to the request context

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// tokenFromRequest returns the bearer token, falling back to the token query
// parameter when allowQuery is set. Browsers cannot set headers on websocket
// upgrades.
func tokenFromRequest(r *http.Request, allowQuery bool) (string, string) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg == "" {
		return token, ""
	}
	if allowQuery && r.Header.Get("Authorization") == "" {
		if q := r.URL.Query().Get("token"); q != "" {
			return q, ""
		}
	}
	return "", errMsg
}

// HTTPOptions configures HTTPAuthMiddleware.
type HTTPOptions struct {
	// Required is the minimum role a token must carry.
	Required Role
	// AllowQueryToken accepts ?token= when no Authorization header is sent.
	AllowQueryToken bool
	Logger          *slog.Logger
}

// HTTPAuthMiddleware creates an HTTP middleware that validates JWT tokens and
// attaches an AuthContext using the same WithAuth/FromContext pattern as the
// gRPC interceptor.
func HTTPAuthMiddleware(verifier TokenVerifier, opts HTTPOptions) func(http.Handler) http.Handler {
	if opts.Required == "" {
		opts.Required = RoleAgent
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := tokenFromRequest(r, opts.AllowQueryToken)
			if errMsg != "" {
				logHTTPAuthFailure(opts.Logger, r, errMsg)
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logHTTPAuthFailure(opts.Logger, r, "invalid_token", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			if !claims.Role.Allows(opts.Required) {
				logHTTPAuthFailure(opts.Logger, r, "insufficient_role",
					"subject", claims.Subject,
					"role", claims.Role,
				)
				writeAuthError(w, http.StatusForbidden, "token role does not permit this request")
				return
			}

			ctx := WithAuth(r.Context(), &AuthContext{Subject: claims.Subject, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func logHTTPAuthFailure(logger *slog.Logger, r *http.Request, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason, "remote_addr", r.RemoteAddr, "path", r.URL.Path}
	logger.Warn("auth failure", append(baseAttrs, attrs...)...)
}
