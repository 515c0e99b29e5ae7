package httpapi

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const userContextKey contextKey = "auth_user_id"

// requireAuth accepts the gateway's own session tokens as bearer
// credentials and rejects everything else.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.bearerUser(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized", "a valid bearer token is required")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticatedUser returns the verified identity for this request, from
// the middleware when it ran, otherwise straight from the header.
func (s *Server) authenticatedUser(r *http.Request) (string, bool) {
	if userID, ok := r.Context().Value(userContextKey).(string); ok && userID != "" {
		return userID, true
	}
	return s.bearerUser(r)
}

func (s *Server) bearerUser(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	claims, err := s.verifier.Verify(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", false
	}
	return claims.UserID, true
}
