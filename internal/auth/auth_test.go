package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/angariumd/hcmp/internal/db"
	"github.com/angariumd/hcmp/internal/models"
)

func setupAuth(t *testing.T) (*Authenticator, *db.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Init())

	a := NewAuthenticator(database, zaptest.NewLogger(t))
	require.NoError(t, a.SeedUsers(context.Background(),
		[]models.User{{ID: "admin", Name: "Admin", Role: models.RoleAdmin}, {ID: "alice", Name: "Alice", Role: models.RoleUser}},
		[]string{"admin-token", "alice-token"}))
	return a, database
}

func whoami(w http.ResponseWriter, r *http.Request) {
	u := UserFromContext(r.Context())
	w.Write([]byte(u.ID + "/" + string(u.Role)))
}

func TestMiddleware(t *testing.T) {
	a, _ := setupAuth(t)
	h := a.Middleware(http.HandlerFunc(whoami))

	tests := []struct {
		name   string
		target string
		header string
		code   int
		body   string
	}{
		{"bearer", "/", "Bearer alice-token", http.StatusOK, "alice/user"},
		{"query token", "/?token=admin-token", "", http.StatusOK, "admin/admin"},
		{"missing", "/", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/", "Basic abc", http.StatusUnauthorized, ""},
		{"unknown token", "/", "Bearer nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestTokensStoredHashed(t *testing.T) {
	_, database := setupAuth(t)
	var hash string
	require.NoError(t, database.QueryRow(context.Background(), "SELECT token_hash FROM users WHERE id = 'alice'").Scan(&hash))
	assert.NotEqual(t, "alice-token", hash)
	assert.Equal(t, HashToken("alice-token"), hash)
}

func TestSeedUsers_RotatesToken(t *testing.T) {
	a, _ := setupAuth(t)
	ctx := context.Background()
	require.NoError(t, a.SeedUsers(ctx, []models.User{{ID: "alice", Name: "Alice", Role: models.RoleAdmin}}, []string{"new"}))

	_, err := a.Lookup(ctx, "alice-token")
	assert.Error(t, err)
	u, err := a.Lookup(ctx, "new")
	require.NoError(t, err)
	assert.True(t, u.IsAdmin())
}

func TestAdminOnly(t *testing.T) {
	a, _ := setupAuth(t)
	h := a.Middleware(AdminOnly(http.HandlerFunc(whoami)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("Authorization", "Bearer admin-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
