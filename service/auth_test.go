package service

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-realtime/pkg/apperr"
)

func TestGenerateAndValidateToken(t *testing.T) {
	auth, err := NewJWTAuthenticator("test-secret", time.Hour)
	require.NoError(t, err)

	token, err := auth.GenerateToken(7, "alice")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "go-realtime", claims.Issuer)

	id, err := auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id.UserID)
	assert.Equal(t, "alice", id.Nickname)
}

func TestNewJWTAuthenticatorRequiresSecret(t *testing.T) {
	_, err := NewJWTAuthenticator("", 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)

	auth, err := NewJWTAuthenticator("s", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTokenExpire, auth.expire)
}

func TestValidateTokenExpired(t *testing.T) {
	auth, err := NewJWTAuthenticator("test-secret", time.Minute)
	require.NoError(t, err)
	token, err := auth.GenerateToken(7, "alice")
	require.NoError(t, err)

	auth.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = auth.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = auth.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Equal(t, apperr.CodeUnauthorized, apperr.Code(err))
}

func TestValidateTokenRejects(t *testing.T) {
	auth, err := NewJWTAuthenticator("test-secret", time.Hour)
	require.NoError(t, err)
	other, err := NewJWTAuthenticator("other-secret", time.Hour)
	require.NoError(t, err)

	foreign, err := other.GenerateToken(7, "alice")
	require.NoError(t, err)
	zeroUser, err := auth.GenerateToken(0, "nobody")
	require.NoError(t, err)

	claims := &Claims{UserID: 7, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{UserID: 7, RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer}}).
		SignedString([]byte("test-secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":      "not.a.token",
		"empty":        "",
		"wrong secret": foreign,
		"zero user":    zeroUser,
		"wrong issuer": wrongIssuer,
		"wrong alg":    wrongAlg,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.ValidateToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
