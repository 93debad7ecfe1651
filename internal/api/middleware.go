package api

import (
	"context"
	"net/http"
	"strings"

	"gatehouse/internal/auth"
)

type contextKey string

const adminIDKey contextKey = "adminID"

type AuthMiddleware struct {
	jwtService *auth.JWTService
}

func NewAuthMiddleware(jwtService *auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{jwtService: jwtService}
}

// RequireAdmin guards the review API: a valid bearer token with the admin
// claim set.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			unauthorized(w, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			unauthorized(w, "Invalid authorization header format")
			return
		}

		claims, err := m.jwtService.ValidateAccessToken(parts[1])
		if err != nil {
			unauthorized(w, "Invalid or expired token")
			return
		}
		if !claims.IsAdmin {
			forbidden(w, "Admin access required")
			return
		}

		ctx := context.WithValue(r.Context(), adminIDKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetAdminID(r *http.Request) string {
	if v := r.Context().Value(adminIDKey); v != nil {
		if adminID, ok := v.(string); ok {
			return adminID
		}
	}
	return ""
}
