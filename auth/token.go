package auth

import (
	"context"
	"fmt"
	"messenger-hub/contract"
	"messenger-hub/domain"
	"messenger-hub/errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var _ contract.Authenticator = (*JWTAuthenticator)(nil)

// CustomClaims defines the structure of the data stored inside the JWT.
type CustomClaims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

func (c *CustomClaims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// JWTAuthenticator signs and verifies HS256 tokens carrying the user identity.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// GenerateToken creates a signed JWT for a specific user.
func (a *JWTAuthenticator) GenerateToken(userID domain.UserID, roles []string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &CustomClaims{
		UserID: string(userID),
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Claims parses and validates the signature, issuer and expiration of a JWT string.
func (a *JWTAuthenticator) Claims(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrAuth, err)
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: %v", errors.ErrAuth, jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

// Verify turns a handshake token into the user it was issued to.
func (a *JWTAuthenticator) Verify(_ context.Context, token string) (domain.UserID, error) {
	if token == "" {
		return "", fmt.Errorf("%w: token is missing", errors.ErrAuth)
	}
	claims, err := a.Claims(token)
	if err != nil {
		return "", err
	}
	return domain.UserID(claims.UserID), nil
}
