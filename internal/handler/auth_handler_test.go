package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"go-auth-service/internal/config"
	"go-auth-service/internal/handler"
	"go-auth-service/internal/middleware"
	"go-auth-service/internal/model"
	"go-auth-service/internal/password"
	"go-auth-service/internal/router"
	"go-auth-service/internal/service"
	"go-auth-service/internal/token"
)

type memUserStore struct {
	mu         sync.Mutex
	byID       map[string]model.User
	byUsername map[string]model.User
}

func (f *memUserStore) Create(_ context.Context, u model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.byUsername[u.Username]; exists {
		return model.ErrUserAlreadyExists
	}
	f.byUsername[u.Username] = u
	f.byID[u.ID] = u
	return nil
}

func (f *memUserStore) FindByUsername(_ context.Context, username string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, exists := f.byUsername[username]
	if !exists {
		return model.User{}, model.ErrUserNotFound
	}
	return u, nil
}

func (f *memUserStore) FindByID(_ context.Context, id string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, exists := f.byID[id]
	if !exists {
		return model.User{}, model.ErrUserNotFound
	}
	return u, nil
}

type memSessionStore struct {
	mu        sync.Mutex
	byRefresh map[string]model.Session
}

func (f *memSessionStore) Put(_ context.Context, s model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.byRefresh[s.RefreshToken] = s
	return nil
}

func (f *memSessionStore) Rotate(_ context.Context, userID string, oldRefreshToken string, next model.Session) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, exists := f.byRefresh[oldRefreshToken]
	if !exists || current.UserID != userID || !current.ExpiresAt.After(time.Now()) {
		return false, nil
	}
	delete(f.byRefresh, oldRefreshToken)
	f.byRefresh[next.RefreshToken] = next
	return true, nil
}

func (f *memSessionStore) ExistsByAccessToken(_ context.Context, accessToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.byRefresh {
		if s.AccessToken == accessToken && s.ExpiresAt.After(time.Now()) {
			return true, nil
		}
	}
	return false, nil
}

func (f *memSessionStore) DeleteByAccessToken(_ context.Context, accessToken string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, s := range f.byRefresh {
		if s.AccessToken == accessToken {
			delete(f.byRefresh, key)
			return true, nil
		}
	}
	return false, nil
}

func (f *memSessionStore) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  []byte("test-access-secret"),
		RefreshSecret: []byte("test-refresh-secret"),
		AccessTTL:     30 * time.Minute,
		RefreshTTL:    168 * time.Hour,
	})
	require.NoError(t, err)

	users := &memUserStore{byID: map[string]model.User{}, byUsername: map[string]model.User{}}
	sessions := &memSessionStore{byRefresh: map[string]model.Session{}}
	authService := service.NewAuthService(users, sessions, password.NewHasher(bcrypt.MinCost), codec)

	cfg := &config.Config{
		ServerPort:       "8080",
		RequestTimeout:   30 * time.Second,
		CORSOrigins:      []string{"*"},
		RateLimitRPM:     1000,
		AuthRateLimitRPM: 1000,
	}

	server := httptest.NewServer(router.New(cfg, middleware.NewAuthMiddleware(authService), handler.NewAuthHandler(authService)))
	t.Cleanup(server.Close)
	return server
}

type tokenPairData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func postBearer(t *testing.T, url string, bearer string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodePair(t *testing.T, resp *http.Response) tokenPairData {
	t.Helper()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope struct {
		Success bool          `json:"success"`
		Data    tokenPairData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.True(t, envelope.Success)
	return envelope.Data
}

func TestRegisterReturnsTokenPair(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/auth/register", map[string]string{
		"username": "alice",
		"password": "P@ssw0rd1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pair := decodePair(t, resp)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	require.Equal(t, "Bearer", pair.TokenType)
}

func TestRegisterRejectsShortInputAndDuplicates(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/auth/register", map[string]string{
		"username": "bob",
		"password": "P@ssw0rd1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, server.URL+"/api/v1/auth/register", map[string]string{
		"username": "alice",
		"password": "P@ssw0rd1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, server.URL+"/api/v1/auth/register", map[string]string{
		"username": "alice",
		"password": "An0therPass",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/auth/register", map[string]string{
		"username": "alice",
		"password": "P@ssw0rd1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, server.URL+"/api/v1/auth/login", map[string]string{
		"username": "alice",
		"password": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRefreshRotatesPairOnce(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	registered := decodePair(t, postJSON(t, server.URL+"/api/v1/auth/register", map[string]string{
		"username": "alice",
		"password": "P@ssw0rd1",
	}))

	resp := postBearer(t, server.URL+"/api/v1/auth/refresh", registered.RefreshToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rotated := decodePair(t, resp)
	require.NotEqual(t, registered.RefreshToken, rotated.RefreshToken)

	// Replaying the consumed token must fail.
	resp = postBearer(t, server.URL+"/api/v1/auth/refresh", registered.RefreshToken)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRefreshWithoutHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	resp := postBearer(t, server.URL+"/api/v1/auth/refresh", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutThenProtectedRoute(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)

	pair := decodePair(t, postJSON(t, server.URL+"/api/v1/auth/register", map[string]string{
		"username": "alice",
		"password": "P@ssw0rd1",
	}))

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/v1/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	meResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = meResp.Body.Close() })
	require.Equal(t, http.StatusOK, meResp.StatusCode)

	resp := postBearer(t, server.URL+"/api/v1/auth/logout", pair.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The same access token no longer opens protected routes.
	replay, err := http.NewRequest(http.MethodGet, server.URL+"/api/v1/auth/me", nil)
	require.NoError(t, err)
	replay.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	replayResp, err := http.DefaultClient.Do(replay)
	require.NoError(t, err)
	t.Cleanup(func() { _ = replayResp.Body.Close() })
	require.Equal(t, http.StatusUnauthorized, replayResp.StatusCode)

	// Logging out again with the same token finds no session.
	resp = postBearer(t, server.URL+"/api/v1/auth/logout", pair.AccessToken)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The revoked refresh token is unusable as well.
	resp = postBearer(t, server.URL+"/api/v1/auth/refresh", pair.RefreshToken)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
