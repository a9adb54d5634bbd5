package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := UserID(r.Context())
		w.Write([]byte(id))
	})
}

func serve(a *Authenticator, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.Middleware(echoUser()).ServeHTTP(w, req)
	return w
}

func TestMiddleware_DevModeHeader(t *testing.T) {
	a := NewAuthenticator("")
	require.True(t, a.DevMode())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, " alice ")
	w := serve(a, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = serve(a, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"unauthenticated"`)
}

func TestMiddleware_BearerToken(t *testing.T) {
	a := NewAuthenticator("s3cret")
	token, err := a.IssueToken("bob", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		user   string
	}{
		{
			name:   "header",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
			status: http.StatusOK,
			user:   "bob",
		},
		{
			name:   "query param",
			setup:  func(r *http.Request) { r.URL.RawQuery = "token=" + token },
			status: http.StatusOK,
			user:   "bob",
		},
		{
			name:   "missing",
			setup:  func(r *http.Request) {},
			status: http.StatusUnauthorized,
		},
		{
			name:   "dev header ignored",
			setup:  func(r *http.Request) { r.Header.Set(HeaderUserID, "mallory") },
			status: http.StatusUnauthorized,
		},
		{
			name:   "garbage",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer not.a.jwt") },
			status: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			w := serve(a, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.user, w.Body.String())
			}
		})
	}
}

func TestAuthenticate_RejectsWrongSecretAndExpired(t *testing.T) {
	a := NewAuthenticator("right")
	other := NewAuthenticator("wrong")

	forged, err := other.IssueToken("bob", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	_, err = a.Authenticate(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	expired, err := a.IssueToken("bob", -time.Minute)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+expired)
	_, err = a.Authenticate(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticate_UserIDClaim(t *testing.T) {
	a := NewAuthenticator("k")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": float64(42),
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("k"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	id, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestAuthenticate_RejectsOtherAlgorithms(t *testing.T) {
	a := NewAuthenticator("k")
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "bob"})
	signed, err := token.SignedString([]byte("k"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	_, err = a.Authenticate(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestIssueToken_DevModeFails(t *testing.T) {
	_, err := NewAuthenticator("").IssueToken("x", time.Minute)
	assert.Error(t, err)
}
