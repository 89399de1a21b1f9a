package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/energycast/energycast/pkg/log"
)

// adminAuthMiddleware requires a valid OIDC ID token in the Authorization
// header. When no audience is configured the admin endpoints are open.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		if s.oidcVerifier == nil {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			log.Ctx(ctx).WarnContext(ctx, "missing auth header")
			writeJSONError(w, "missing auth header", http.StatusUnauthorized)
			return
		}
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}

		email, subject, err := s.authenticateToken(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "admin token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
		if !s.isAdmin(email) {
			log.Ctx(ctx).WarnContext(ctx, "admin email not allowed", slog.String("email", email))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}

		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("subject", subject)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateToken validates the ID token and returns its email and subject.
func (s *Server) authenticateToken(ctx context.Context, token string) (string, string, error) {
	if s.oidcVerifier == nil {
		return "", "", errors.New("no valid audiences configured or token invalid")
	}
	idToken, err := s.oidcVerifier(ctx, token)
	if err != nil {
		return "", "", fmt.Errorf("verifier failed: %w", err)
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", "", fmt.Errorf("failed to parse claims: %w", err)
	}
	return claims.Email, idToken.Subject, nil
}

// isAdmin returns true if no admin list is configured or the email is in it.
func (s *Server) isAdmin(email string) bool {
	if len(s.adminEmails) == 0 {
		return true
	}
	for _, admin := range s.adminEmails {
		if subtle.ConstantTimeCompare([]byte(email), []byte(admin)) == 1 {
			return true
		}
	}
	return false
}
