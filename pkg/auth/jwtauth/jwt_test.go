package jwtauth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, c claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestValidateAcceptsValidToken(t *testing.T) {
	v := New("s3cret", WithIssuer("localup-relay"))

	token := signToken(t, "s3cret", claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tunnel-123",
			Issuer:    "localup-relay",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Protocols: []string{"http", "https"},
	})

	result, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "tunnel-123", result.TunnelID)
	assert.True(t, result.IsProtocolAllowed("http"))
	assert.False(t, result.IsProtocolAllowed("tcp"))
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	v := New("s3cret")
	token := signToken(t, "s3cret", claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tunnel-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	_, err := v.Validate(context.Background(), token)
	assert.Error(t, err)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	v := New("s3cret")
	token := signToken(t, "wrong-secret", claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "tunnel-123"},
	})

	_, err := v.Validate(context.Background(), token)
	assert.Error(t, err)
}

func TestEmptyAllowedMeansAllAllowed(t *testing.T) {
	v := New("s3cret")
	token := signToken(t, "s3cret", claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "tunnel-123"},
	})
	res, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, res.IsProtocolAllowed("tcp"))
	assert.True(t, res.IsRegionAllowed("eu-west"))
}
