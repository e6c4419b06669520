package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/rs/zerolog/log"
)

type contextKey string

const UserKey contextKey = "user"

// Auth validates HS256 bearer tokens signed with secret and stores the caller
// in the request context. With an empty secret every request passes through
// without a caller.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				http.Error(w, "Bearer token is required", http.StatusUnauthorized)
				return
			}

			claims := &models.JWTClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil {
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("Invalid bearer token")
				http.Error(w, "Invalid bearer token", http.StatusUnauthorized)
				return
			}

			user := &models.UserContext{Subject: claims.Subject, Roles: claims.Roles}
			ctx := context.WithValue(r.Context(), UserKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUser extracts the authenticated caller from context
func GetUser(ctx context.Context) (*models.UserContext, bool) {
	user, ok := ctx.Value(UserKey).(*models.UserContext)
	return user, ok
}
