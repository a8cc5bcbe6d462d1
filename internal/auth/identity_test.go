package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestParseIdentity(t *testing.T) {
	token := sign(t, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})

	id, err := ParseIdentity(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, token, id.Token)

	id, err = ParseIdentity("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
}

func TestParseIdentity_Errors(t *testing.T) {
	_, err := ParseIdentity("")
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = ParseIdentity("not-a-jwt")
	assert.Error(t, err)

	_, err = ParseIdentity(sign(t, jwt.MapClaims{"name": "nobody"}))
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidClaims)
}
