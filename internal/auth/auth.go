package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/angariumd/hcmp/internal/db"
	"github.com/angariumd/hcmp/internal/models"
)

type contextKey string

const userKey contextKey = "user"

// HashToken is how tokens are stored; raw tokens never reach the database.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type Authenticator struct {
	db  *db.DB
	log *zap.Logger
}

func NewAuthenticator(database *db.DB, logger *zap.Logger) *Authenticator {
	return &Authenticator{db: database, log: logger.Named("auth")}
}

// SeedUsers upserts the configured users, replacing their token hashes.
func (a *Authenticator) SeedUsers(ctx context.Context, users []models.User, tokens []string) error {
	if len(users) != len(tokens) {
		return fmt.Errorf("got %d users and %d tokens", len(users), len(tokens))
	}
	for i, u := range users {
		_, err := a.db.Exec(ctx, `
			INSERT INTO users (id, name, role, token_hash) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role, token_hash = excluded.token_hash
		`, u.ID, u.Name, u.Role, HashToken(tokens[i]))
		if err != nil {
			return fmt.Errorf("seeding user %s: %w", u.ID, err)
		}
	}
	return nil
}

// Lookup resolves a raw token to its user.
func (a *Authenticator) Lookup(ctx context.Context, token string) (*models.User, error) {
	var user models.User
	err := a.db.QueryRow(ctx, "SELECT id, name, role, token_hash FROM users WHERE token_hash = ?", HashToken(token)).
		Scan(&user.ID, &user.Name, &user.Role, &user.TokenHash)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Middleware accepts a bearer token, or a token query parameter for browser
// websockets that cannot set headers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			token = strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				http.Error(w, "invalid auth header format", http.StatusUnauthorized)
				return
			}
		}
		if token == "" {
			http.Error(w, "missing auth header", http.StatusUnauthorized)
			return
		}

		user, err := a.Lookup(r.Context(), token)
		if err != nil {
			a.log.Warn("invalid token", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

// AdminOnly rejects callers that are not admins. It must run after Middleware.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !UserFromContext(r.Context()).IsAdmin() {
			http.Error(w, "admin only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ContextWithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func UserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(userKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}
