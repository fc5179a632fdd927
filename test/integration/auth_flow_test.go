//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"go-auth-service/internal/config"
	"go-auth-service/internal/database"
	"go-auth-service/internal/handler"
	"go-auth-service/internal/middleware"
	"go-auth-service/internal/password"
	"go-auth-service/internal/repository"
	"go-auth-service/internal/router"
	"go-auth-service/internal/service"
	"go-auth-service/internal/token"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := database.New(ctx, databaseURL, 10, 2)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.EnsureSchema(ctx))

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  []byte("integration-access-secret"),
		RefreshSecret: []byte("integration-refresh-secret"),
		AccessTTL:     30 * time.Minute,
		RefreshTTL:    168 * time.Hour,
	})
	require.NoError(t, err)

	authService := service.NewAuthService(
		repository.NewUserRepository(db.Pool),
		repository.NewSessionRepository(db.Pool),
		password.NewHasher(bcrypt.MinCost),
		codec,
	)

	cfg := &config.Config{
		ServerPort:       "8080",
		RequestTimeout:   30 * time.Second,
		CORSOrigins:      []string{"*"},
		RateLimitRPM:     10000,
		AuthRateLimitRPM: 10000,
	}

	server := httptest.NewServer(router.New(cfg, middleware.NewAuthMiddleware(authService), handler.NewAuthHandler(authService)))
	t.Cleanup(server.Close)
	return server
}

func freshUsername() string {
	return "user-" + uuid.NewString()
}

type pairData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func register(t *testing.T, server *httptest.Server, username string, password string) (pairData, int) {
	t.Helper()

	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	require.NoError(t, err)
	resp, err := http.Post(server.URL+"/api/v1/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope struct {
		Data pairData `json:"data"`
	}
	_ = json.Unmarshal(raw, &envelope)
	return envelope.Data, resp.StatusCode
}

func refresh(t *testing.T, server *httptest.Server, refreshToken string) (pairData, int) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/v1/auth/refresh", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+refreshToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope struct {
		Data pairData `json:"data"`
	}
	_ = json.Unmarshal(raw, &envelope)
	return envelope.Data, resp.StatusCode
}

func TestFullAuthFlow(t *testing.T) {
	server := newServer(t)
	username := freshUsername()

	registered, status := register(t, server, username, "P@ssw0rd1")
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, registered.AccessToken)
	require.NotEmpty(t, registered.RefreshToken)

	// Login with the same credentials opens a second session.
	body, err := json.Marshal(map[string]string{"username": username, "password": "P@ssw0rd1"})
	require.NoError(t, err)
	loginResp, err := http.Post(server.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer loginResp.Body.Close()
	require.Equal(t, http.StatusOK, loginResp.StatusCode)

	// Rotation consumes the presented token exactly once.
	rotated, status := refresh(t, server, registered.RefreshToken)
	require.Equal(t, http.StatusOK, status)
	require.NotEqual(t, registered.RefreshToken, rotated.RefreshToken)

	_, status = refresh(t, server, registered.RefreshToken)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestConcurrentRegistrationOneWinner(t *testing.T) {
	server := newServer(t)
	username := freshUsername()

	const racers = 8
	var wg sync.WaitGroup
	statuses := make(chan int, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, status := register(t, server, username, "P@ssw0rd1")
			statuses <- status
		}()
	}
	wg.Wait()
	close(statuses)

	var ok, conflict int
	for status := range statuses {
		switch status {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		default:
			t.Fatalf("unexpected status %d", status)
		}
	}
	require.Equal(t, 1, ok, "exactly one registration may win")
	require.Equal(t, racers-1, conflict)
}

func TestConcurrentRefreshOneWinner(t *testing.T) {
	server := newServer(t)

	registered, status := register(t, server, freshUsername(), "P@ssw0rd1")
	require.Equal(t, http.StatusOK, status)

	const racers = 8
	var wg sync.WaitGroup
	statuses := make(chan int, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, status := refresh(t, server, registered.RefreshToken)
			statuses <- status
		}()
	}
	wg.Wait()
	close(statuses)

	var wins int
	for status := range statuses {
		if status == http.StatusOK {
			wins++
		} else if status != http.StatusUnauthorized {
			t.Fatalf("unexpected status %d", status)
		}
	}
	require.Equal(t, 1, wins, "exactly one refresh may win")
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	server := newServer(t)

	registered, status := register(t, server, freshUsername(), "P@ssw0rd1")
	require.Equal(t, http.StatusOK, status)

	logoutReq, err := http.NewRequest(http.MethodPost, server.URL+"/api/v1/auth/logout", nil)
	require.NoError(t, err)
	logoutReq.Header.Set("Authorization", "Bearer "+registered.AccessToken)
	logoutResp, err := http.DefaultClient.Do(logoutReq)
	require.NoError(t, err)
	defer logoutResp.Body.Close()
	require.Equal(t, http.StatusOK, logoutResp.StatusCode)

	meReq, err := http.NewRequest(http.MethodGet, server.URL+"/api/v1/auth/me", nil)
	require.NoError(t, err)
	meReq.Header.Set("Authorization", "Bearer "+registered.AccessToken)
	meResp, err := http.DefaultClient.Do(meReq)
	require.NoError(t, err)
	defer meResp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, meResp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	server := newServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/health", server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
