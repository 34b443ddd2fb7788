// Package identity decides who a chat client acts as. A token issued by the
// broker names the user; without one the client picks a display name itself.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoUsername = errors.New("identity: no username")

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Identity is the acting user. Token is empty for anonymous users.
type Identity struct {
	Username  string
	Token     string
	ExpiresAt time.Time
}

// Anonymous uses a plain display name.
func Anonymous(username string) (Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Identity{}, ErrNoUsername
	}
	return Identity{Username: username}, nil
}

// FromToken reads the username out of a broker token. The signature is not
// checked here; the broker does that on connect.
func FromToken(token string) (Identity, error) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return Identity{}, fmt.Errorf("identity: parse token: %w", err)
	}
	username := strings.TrimSpace(c.Username)
	if username == "" {
		username = strings.TrimSpace(c.Subject)
	}
	if username == "" {
		return Identity{}, ErrNoUsername
	}
	id := Identity{Username: username, Token: token}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id, nil
}

// Expired reports whether the token is past its expiry at now.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Header carries the token on the websocket handshake.
func (i Identity) Header() http.Header {
	h := http.Header{}
	if i.Token != "" {
		h.Set("Authorization", "Bearer "+i.Token)
	}
	return h
}

// DialURL adds the token to a websocket URL for peers that cannot send
// headers.
func (i Identity) DialURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("identity: dial url: %w", err)
	}
	if i.Token != "" {
		q := u.Query()
		q.Set("token", i.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
