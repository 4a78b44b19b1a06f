package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestUsers(t *testing.T) *Users {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&User{}))
	return &Users{DB: db}
}

// ──────────────────────────────────────────────────────────────────────────────
// JWT
// ──────────────────────────────────────────────────────────────────────────────

func TestJWT_SignVerify(t *testing.T) {
	j := NewJWT("s3cret")
	tok, err := j.Sign("owner-1")
	require.NoError(t, err)

	id, err := j.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", id)
}

func TestJWT_RejectsWrongSecret(t *testing.T) {
	tok, err := NewJWT("a").Sign("owner-1")
	require.NoError(t, err)

	_, err = NewJWT("b").Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWT_RejectsExpired(t *testing.T) {
	j := NewJWT("s3cret")
	j.now = func() time.Time { return time.Now().Add(-8 * 24 * time.Hour) }
	tok, err := j.Sign("owner-1")
	require.NoError(t, err)

	j.now = time.Now
	_, err = j.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireAuth(t *testing.T) {
	j := NewJWT("s3cret")
	tok, err := j.Sign("owner-9")
	require.NoError(t, err)

	var seen string
	h := RequireAuth(j)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OwnerIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "owner-9", seen)
}

// ──────────────────────────────────────────────────────────────────────────────
// Users
// ──────────────────────────────────────────────────────────────────────────────

func TestUsers_RegisterAuthenticate(t *testing.T) {
	ctx := context.Background()
	users := newTestUsers(t)

	u, err := users.Register(ctx, " Ann@Example.com ", "password1")
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", u.Email)
	assert.Len(t, u.ID, 36)

	_, err = users.Register(ctx, "ann@example.com", "password2")
	assert.ErrorIs(t, err, ErrEmailTaken)

	got, err := users.Authenticate(ctx, "ANN@example.com", "password1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = users.Authenticate(ctx, "ann@example.com", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = users.Authenticate(ctx, "ghost@example.com", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUsers_ProviderToken(t *testing.T) {
	ctx := context.Background()
	users := newTestUsers(t)

	u, err := users.Register(ctx, "bob@example.com", "password1")
	require.NoError(t, err)

	tok, err := users.ProviderToken(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, tok)

	require.NoError(t, users.SetProviderToken(ctx, u.ID, "long-lived"))
	tok, err = users.ProviderToken(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "long-lived", tok)

	tok, err = users.ProviderToken(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, tok)
}
