package auth

import (
	"context"
	"messenger-hub/domain"
	"messenger-hub/errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestJWTAuthenticator_Verify(t *testing.T) {
	authenticator := NewJWTAuthenticator("a_secret_long_enough_for_hs256", "messenger-hub")

	t.Run("should return the user of a valid token", func(t *testing.T) {
		req := require.New(t)
		token, err := authenticator.GenerateToken("alice", nil, time.Hour)
		req.NoError(err)

		userID, err := authenticator.Verify(context.Background(), token)

		req.NoError(err)
		req.Equal(domain.UserID("alice"), userID)
	})

	t.Run("should reject a missing token", func(t *testing.T) {
		req := require.New(t)
		_, err := authenticator.Verify(context.Background(), "")
		req.ErrorIs(err, errors.ErrAuth)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		req := require.New(t)
		_, err := authenticator.Verify(context.Background(), "invalid-token-string")
		req.ErrorIs(err, errors.ErrAuth)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		req := require.New(t)
		token, err := authenticator.GenerateToken("alice", nil, -time.Minute)
		req.NoError(err)

		_, err = authenticator.Verify(context.Background(), token)

		req.ErrorIs(err, errors.ErrAuth)
		req.ErrorContains(err, "expired")
	})

	t.Run("should reject another secret", func(t *testing.T) {
		req := require.New(t)
		other := NewJWTAuthenticator("another_secret_entirely_different", "messenger-hub")
		token, err := other.GenerateToken("alice", nil, time.Hour)
		req.NoError(err)

		_, err = authenticator.Verify(context.Background(), token)

		req.ErrorIs(err, errors.ErrAuth)
	})

	t.Run("should reject another issuer", func(t *testing.T) {
		req := require.New(t)
		other := NewJWTAuthenticator("a_secret_long_enough_for_hs256", "someone-else")
		token, err := other.GenerateToken("alice", nil, time.Hour)
		req.NoError(err)

		_, err = authenticator.Verify(context.Background(), token)

		req.ErrorIs(err, errors.ErrAuth)
	})

	t.Run("should reject the none algorithm", func(t *testing.T) {
		req := require.New(t)
		claims := &CustomClaims{UserID: "mallory", RegisteredClaims: jwt.RegisteredClaims{Issuer: "messenger-hub"}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		req.NoError(err)

		_, err = authenticator.Verify(context.Background(), token)

		req.ErrorIs(err, errors.ErrAuth)
	})
}
