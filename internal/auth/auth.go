// Package auth resolves the calling user for each API request.
//
// With a signing secret configured, requests must carry an HS256 JWT as
// "Authorization: Bearer <token>" (or ?token= for WebSocket upgrades); the
// user is the token's "sub" claim, falling back to "user_id". Without a
// secret the server runs in development mode and trusts the X-User-ID header.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderUserID is the development-mode identity header.
const HeaderUserID = "X-User-ID"

const maxUserIDLen = 128

var (
	// ErrUnauthenticated is returned when a request carries no usable identity.
	ErrUnauthenticated = errors.New("unauthenticated")
)

type ctxKey struct{}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the authenticated user stored by Middleware.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Authenticator verifies request identity.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator. An empty secret enables the
// X-User-ID development mode.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// DevMode reports whether tokens are not being verified.
func (a *Authenticator) DevMode() bool { return len(a.secret) == 0 }

// IssueToken signs a token for userID valid for ttl.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	if a.DevMode() {
		return "", fmt.Errorf("no signing secret configured")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(a.secret)
}

// Authenticate extracts the user from r.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if a.DevMode() {
		return validUserID(r.Header.Get(HeaderUserID))
	}

	tokenString := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(tokenString, "Bearer "); ok {
		tokenString = after
	} else if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		sub = claimString(claims["user_id"])
	}
	return validUserID(sub)
}

// Middleware rejects unauthenticated requests with 401 and stores the user
// in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error":     err.Error(),
				"code":      "unauthenticated",
				"retryable": false,
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func validUserID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: no user id", ErrUnauthenticated)
	}
	if len(id) > maxUserIDLen {
		return "", fmt.Errorf("%w: user id too long", ErrUnauthenticated)
	}
	return id, nil
}

// claimString accepts numeric user ids as issued by some identity providers.
func claimString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
