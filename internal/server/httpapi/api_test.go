package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/and161185/authgate/internal/gate"
	"github.com/and161185/authgate/internal/lockout"
	"github.com/and161185/authgate/internal/ratelimit"
	"github.com/and161185/authgate/internal/repository/repotest"
	"github.com/and161185/authgate/internal/service"
	"github.com/and161185/authgate/internal/token"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const goodPassword = "Str0ng!Passw0rd"

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type server struct {
	h     http.Handler
	clock *repotest.Clock
}

func newServer(t *testing.T, db Pinger) server {
	t.Helper()
	log := zaptest.NewLogger(t)
	clock := repotest.NewClock(time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC))

	tokens, err := token.NewService([]byte(strings.Repeat("s", token.MinSecretLen)), repotest.NewRevocations(),
		token.WithClock(clock.Now))
	require.NoError(t, err)
	lock := lockout.New(repotest.NewLockouts(), lockout.DefaultConfig(), lockout.WithClock(clock.Now))
	svc := service.NewAuthService(repotest.NewUsers(), tokens, lock, nil, log)

	lim := ratelimit.New(repotest.NewBuckets(), ratelimit.DefaultConfig(), ratelimit.WithClock(clock.Now))
	g := gate.New(lim, tokens, log)

	api := New(svc, g.Middleware(false), db, log, WithClock(clock.Now))
	return server{h: api.Handler(), clock: clock}
}

func (s server) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func creds(u, p string) map[string]string { return map[string]string{"username": u, "password": p} }

func TestRegister(t *testing.T) {
	t.Parallel()
	s := newServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/auth/register", "", creds("alice", goodPassword))
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeBody[registerResponse](t, rec)
	require.Equal(t, "alice", resp.Username)
	require.NotEmpty(t, resp.UserID)

	rec = s.do(t, http.MethodPost, "/api/auth/register", "", creds("alice", goodPassword))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/register", "", creds("bob", "weakpassword"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "password is invalid", decodeBody[map[string]string](t, rec)["error"])

	rec = s.do(t, http.MethodPost, "/api/auth/register", "", map[string]any{"username": "bob", "extra": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginMeRefreshLogout(t *testing.T) {
	t.Parallel()
	s := newServer(t, nil)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/auth/register", "", creds("alice", goodPassword)).Code)

	rec := s.do(t, http.MethodPost, "/api/auth/login", "", creds("alice", goodPassword))
	require.Equal(t, http.StatusOK, rec.Code)
	pair := decodeBody[tokenResponse](t, rec)
	require.Equal(t, "Bearer", pair.TokenType)
	require.Equal(t, int64(24*time.Hour/time.Second), pair.ExpiresIn)

	rec = s.do(t, http.MethodGet, "/api/users/me", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alice", decodeBody[meResponse](t, rec).Username)

	require.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/users/me", "", nil).Code)

	rec = s.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	next := decodeBody[tokenResponse](t, rec)

	// The consumed refresh token cannot be replayed.
	rec = s.do(t, http.MethodPost, "/api/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/logout", next.AccessToken, map[string]string{"refresh_token": next.RefreshToken})
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/users/me", next.AccessToken, nil).Code)
}

func TestLogin_LockedAfterFiveFailures(t *testing.T) {
	t.Parallel()
	s := newServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/auth/register", "", creds("alice", goodPassword)).Code)

	for i := 0; i < 4; i++ {
		rec := s.do(t, http.MethodPost, "/api/auth/login", "", creds("alice", "Wrong!Passw0rd"))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/api/auth/login", "", creds("alice", "Wrong!Passw0rd"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1800", rec.Header().Get("Retry-After"))
	require.Equal(t, "account temporarily locked", decodeBody[map[string]string](t, rec)["error"])

	s.clock.Advance(10 * time.Minute)
	rec = s.do(t, http.MethodPost, "/api/auth/login", "", creds("alice", goodPassword))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1200", rec.Header().Get("Retry-After"))
}

func TestGateHeadersOnAPIRoutes(t *testing.T) {
	t.Parallel()
	s := newServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/users/me", "", nil)
	require.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "59", rec.Header().Get("X-RateLimit-Remaining"))

	// Health is outside the gate.
	rec = s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestHealth_StoreDown(t *testing.T) {
	t.Parallel()
	s := newServer(t, stubPinger{err: errors.New("connection refused")})

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "unhealthy", decodeBody[map[string]string](t, rec)["status"])
}

func TestRecover(t *testing.T) {
	t.Parallel()
	h := Recover(zaptest.NewLogger(t), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStrongPassword(t *testing.T) {
	t.Parallel()
	v := newValidator()

	tests := []struct {
		pw   string
		want bool
	}{
		{goodPassword, true},
		{"Sh0rt!", false},
		{"alllowercase1!", false},
		{"ALLUPPERCASE1!", false},
		{"NoDigitsHere!!", false},
		{"NoSpecials123a", false},
		{strings.Repeat("Aa1!", 33), false},
	}
	for _, tt := range tests {
		err := v.Struct(registerRequest{Username: "alice", Password: tt.pw})
		if tt.want {
			require.NoError(t, err, tt.pw)
			continue
		}
		var ve validator.ValidationErrors
		require.ErrorAs(t, err, &ve, tt.pw)
	}
}
