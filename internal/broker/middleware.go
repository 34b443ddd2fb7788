package broker

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const UsernameKey contextKey = "username"

// TokenValidator turns a bearer token into a username.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, error)
}

// AuthMiddleware puts the token's username into the request context. A nil
// validator disables authentication altogether.
type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func tokenFrom(r *http.Request) string {
	if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	// Browsers cannot set headers on a websocket upgrade.
	return r.URL.Query().Get("token")
}

// Require rejects requests without a valid token.
func (am *AuthMiddleware) Require(next http.Handler) http.Handler {
	return am.handle(next, true)
}

// Optional lets anonymous requests through but still rejects bad tokens.
func (am *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return am.handle(next, false)
}

func (am *AuthMiddleware) handle(next http.Handler, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if am.validator == nil {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := tokenFrom(r)
		if tokenString == "" {
			if required {
				writeError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), UsernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Username returns the authenticated username, if any.
func Username(ctx context.Context) string {
	username, _ := ctx.Value(UsernameKey).(string)
	return username
}

// RequestLogger logs one line per request through slog.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
