package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequireRole(t *testing.T) {
	authenticator := NewJWTAuthenticator("a_secret_long_enough_for_hs256", "messenger-hub")
	var seenUser any
	handler := RequireRole(authenticator, "admin", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = r.Context().Value(UserIDKey)
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(header string) int {
		r := httptest.NewRequest(http.MethodPost, "/admin", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	t.Run("should fail when the header is missing", func(t *testing.T) {
		require.Equal(t, http.StatusUnauthorized, call(""))
	})

	t.Run("should fail with invalid token", func(t *testing.T) {
		require.Equal(t, http.StatusUnauthorized, call("Bearer nope"))
	})

	t.Run("should forbid a user without the role", func(t *testing.T) {
		req := require.New(t)
		token, err := authenticator.GenerateToken("bob", []string{"member"}, time.Hour)
		req.NoError(err)
		req.Equal(http.StatusForbidden, call("Bearer "+token))
	})

	t.Run("should succeed and inject user_id when token is valid", func(t *testing.T) {
		req := require.New(t)
		token, err := authenticator.GenerateToken("root", []string{"admin"}, time.Hour)
		req.NoError(err)

		req.Equal(http.StatusNoContent, call("Bearer "+token))
		req.Equal("root", seenUser)
	})
}

func TestBearerToken_Falls_Back_To_Query(t *testing.T) {
	req := require.New(t)
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	req.Equal("abc", BearerToken(r))
	r.Header.Set("Authorization", "Bearer xyz")
	req.Equal("xyz", BearerToken(r))
}
