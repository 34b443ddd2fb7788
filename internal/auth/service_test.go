package auth

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_IssueAndValidate(t *testing.T) {
	s := NewService("secret", time.Hour)

	token, err := s.Issue("  alice ")
	require.NoError(t, err)

	username, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestService_RejectsForeignAndExpiredTokens(t *testing.T) {
	s := NewService("secret", time.Hour)
	other := NewService("other", time.Hour)

	token, err := other.Issue("alice")
	require.NoError(t, err)
	_, err = s.ValidateToken(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	token, err = s.Issue("alice")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.ValidateToken(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = s.ValidateToken("garbage")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestService_RejectsOtherAlgorithms(t *testing.T) {
	s := NewService("secret", time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		Username:         "alice",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
	})
	ss, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = s.ValidateToken(ss)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestService_IssueNeedsUsername(t *testing.T) {
	_, err := NewService("secret", 0).Issue("   ")
	assert.ErrorIs(t, err, ErrNoUsername)
}

func TestCodes(t *testing.T) {
	code, err := GenerateCode()
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[1-9][0-9]{5}$`), code)

	hash, err := HashCode(code)
	require.NoError(t, err)
	assert.NotEqual(t, code, hash)
	assert.True(t, CheckCode(hash, code))
	assert.False(t, CheckCode(hash, "000000"))
	assert.False(t, CheckCode("", code))
	assert.False(t, CheckCode(hash, ""))
}
