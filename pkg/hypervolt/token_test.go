package hypervolt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeTokens(w http.ResponseWriter, access, refresh string, expiresIn int) {
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    expiresIn,
	})
}

func TestTokenManagerLogin(t *testing.T) {
	ctx := context.Background()

	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "home-assistant", r.PostForm.Get("client_id"))
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		assert.Equal(t, "openid profile email offline_access", r.PostForm.Get("scope"))
		assert.Equal(t, "user@example.com", r.PostForm.Get("username"))
		assert.Equal(t, "hunter2", r.PostForm.Get("password"))
		writeTokens(w, "access-1", "refresh-1", 300)
	})

	tm := NewTokenManager(srv.Client(), srv.URL, "user@example.com", "hunter2")
	require.NoError(t, tm.Login(ctx))
	assert.Equal(t, "access-1", tm.AccessToken())
	assert.False(t, tm.ExpiringWithin(time.Minute))
	assert.True(t, tm.ExpiringWithin(10*time.Minute))
}

func TestTokenManagerLoginRejected(t *testing.T) {
	ctx := context.Background()

	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	tm := NewTokenManager(srv.Client(), srv.URL, "user@example.com", "wrong")
	err := tm.Login(ctx)
	assert.ErrorIs(t, err, ErrInvalidAuth)
	assert.Empty(t, tm.AccessToken())
	// with no token held, any window counts as expiring
	assert.True(t, tm.ExpiringWithin(0))
}

func TestTokenManagerLoginServerError(t *testing.T) {
	ctx := context.Background()

	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	tm := NewTokenManager(srv.Client(), srv.URL, "user@example.com", "hunter2")
	err := tm.Login(ctx)
	assert.ErrorIs(t, err, ErrCannotConnect)
	assert.NotErrorIs(t, err, ErrInvalidAuth)
}

func TestTokenManagerLoginOrRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("no refresh token does a full login", func(t *testing.T) {
		var grants []string
		srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			grants = append(grants, r.PostForm.Get("grant_type"))
			writeTokens(w, "access-1", "refresh-1", 300)
		})

		tm := NewTokenManager(srv.Client(), srv.URL, "user@example.com", "hunter2")
		require.NoError(t, tm.LoginOrRefresh(ctx))
		assert.Equal(t, []string{"password"}, grants)
	})

	t.Run("refresh grant preferred once a refresh token is held", func(t *testing.T) {
		var grants []string
		srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			grants = append(grants, r.PostForm.Get("grant_type"))
			if r.PostForm.Get("grant_type") == "refresh_token" {
				assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
				writeTokens(w, "access-2", "refresh-2", 300)
				return
			}
			writeTokens(w, "access-1", "refresh-1", 300)
		})

		tm := NewTokenManager(srv.Client(), srv.URL, "user@example.com", "hunter2")
		require.NoError(t, tm.Login(ctx))
		require.NoError(t, tm.LoginOrRefresh(ctx))
		assert.Equal(t, []string{"password", "refresh_token"}, grants)
		assert.Equal(t, "access-2", tm.AccessToken())
	})

	t.Run("failed refresh falls back to full login", func(t *testing.T) {
		var grants []string
		srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			grant := r.PostForm.Get("grant_type")
			grants = append(grants, grant)
			if grant == "refresh_token" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			writeTokens(w, "access-3", "refresh-3", 300)
		})

		tm := NewTokenManager(srv.Client(), srv.URL, "user@example.com", "hunter2")
		require.NoError(t, tm.Login(ctx))
		require.NoError(t, tm.LoginOrRefresh(ctx))
		assert.Equal(t, []string{"password", "refresh_token", "password"}, grants)
		assert.Equal(t, "access-3", tm.AccessToken())
	})
}

func TestTokenManagerInvalidate(t *testing.T) {
	ctx := context.Background()

	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeTokens(w, "access-1", "refresh-1", 300)
	})

	tm := NewTokenManager(srv.Client(), srv.URL, "user@example.com", "hunter2")
	require.NoError(t, tm.Login(ctx))
	require.NotEmpty(t, tm.AccessToken())

	tm.Invalidate()
	assert.Empty(t, tm.AccessToken())
	assert.True(t, tm.ExpiringWithin(0))
}
