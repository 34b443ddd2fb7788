package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, c jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("whatever"))
	require.NoError(t, err)
	return token
}

func TestFromToken(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	token := sign(t, claims{
		Username:         "alice",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "someone-else", ExpiresAt: jwt.NewNumericDate(exp)},
	})

	id, err := FromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, token, id.Token)
	assert.True(t, id.ExpiresAt.Equal(exp))
	assert.False(t, id.Expired(exp.Add(-time.Second)))
	assert.True(t, id.Expired(exp))
}

func TestFromToken_FallsBackToSubject(t *testing.T) {
	id, err := FromToken(sign(t, jwt.RegisteredClaims{Subject: "bob"}))
	require.NoError(t, err)
	assert.Equal(t, "bob", id.Username)
	assert.False(t, id.Expired(time.Now()), "no expiry never expires")
}

func TestFromToken_Rejects(t *testing.T) {
	_, err := FromToken("not-a-token")
	assert.Error(t, err)

	_, err = FromToken(sign(t, jwt.RegisteredClaims{Issuer: "x"}))
	assert.ErrorIs(t, err, ErrNoUsername)
}

func TestAnonymous(t *testing.T) {
	id, err := Anonymous("  carol ")
	require.NoError(t, err)
	assert.Equal(t, Identity{Username: "carol"}, id)
	assert.Empty(t, id.Header().Get("Authorization"))

	_, err = Anonymous(" ")
	assert.ErrorIs(t, err, ErrNoUsername)
}

func TestHeaderAndDialURL(t *testing.T) {
	id := Identity{Username: "alice", Token: "abc.def.ghi"}
	assert.Equal(t, "Bearer abc.def.ghi", id.Header().Get("Authorization"))

	u, err := id.DialURL("ws://localhost:8080/ws?x=1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?token=abc.def.ghi&x=1", u)

	u, err = Identity{Username: "bob"}.DialURL("ws://localhost:8080/ws")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", u)

	_, err = id.DialURL("://bad")
	assert.Error(t, err)
}
