package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("secret", "school-notify", time.Hour)

	token, err := svc.GenerateAccessToken("u-1", "staff")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, "staff", claims.Role)
}

func TestJWTRejectsWrongSecretAndExpired(t *testing.T) {
	token, err := NewJWTService("other", "school-notify", time.Hour).GenerateAccessToken("u-1", "admin")
	require.NoError(t, err)

	_, err = NewJWTService("secret", "school-notify", time.Hour).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	past := &jwtService{secret: []byte("secret"), issuer: "school-notify", expiry: time.Minute, now: func() time.Time { return time.Now().Add(-time.Hour) }}
	expired, err := past.GenerateAccessToken("u-1", "admin")
	require.NoError(t, err)

	_, err = NewJWTService("secret", "school-notify", time.Hour).ValidateToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTRejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{UserID: "u-1", Role: "admin", RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "school-notify",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTService("secret", "school-notify", time.Hour).ValidateToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
