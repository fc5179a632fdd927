package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-auth-service/internal/model"
	"go-auth-service/internal/password"
	"go-auth-service/internal/token"
	"go-auth-service/pkg/apierror"
)

const (
	minUsernameLength = 5
	minPasswordLength = 8
)

// UserStore is the narrow contract the session manager needs from the
// credential store. Create must report model.ErrUserAlreadyExists on a
// duplicate username, with at most one winner under concurrency.
type UserStore interface {
	Create(ctx context.Context, u model.User) error
	FindByUsername(ctx context.Context, username string) (model.User, error)
	FindByID(ctx context.Context, id string) (model.User, error)
}

// SessionStore persists issued token pairs. Rotate must be atomic per
// record: racing refreshes on the same consumed token get one winner.
type SessionStore interface {
	Put(ctx context.Context, s model.Session) error
	Rotate(ctx context.Context, userID string, oldRefreshToken string, next model.Session) (bool, error)
	ExistsByAccessToken(ctx context.Context, accessToken string) (bool, error)
	DeleteByAccessToken(ctx context.Context, accessToken string) (bool, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// AuthService orchestrates credential verification, token minting and
// session persistence for register/login/refresh/logout, plus the
// verification path resource routes use.
type AuthService struct {
	users    UserStore
	sessions SessionStore
	hasher   *password.Hasher
	codec    *token.Codec
}

func NewAuthService(users UserStore, sessions SessionStore, hasher *password.Hasher, codec *token.Codec) *AuthService {
	return &AuthService{
		users:    users,
		sessions: sessions,
		hasher:   hasher,
		codec:    codec,
	}
}

// Register creates the user and establishes a session in the same call
// (auto-login), returning the freshly minted pair.
func (s *AuthService) Register(ctx context.Context, username string, plaintext string) (model.TokenPair, error) {
	username = strings.TrimSpace(username)

	if len(username) < minUsernameLength {
		return model.TokenPair{}, apierror.New("BAD_REQUEST",
			fmt.Sprintf("username must be at least %d characters long", minUsernameLength),
			"username", http.StatusBadRequest)
	}
	if len(plaintext) < minPasswordLength {
		return model.TokenPair{}, apierror.New("BAD_REQUEST",
			fmt.Sprintf("password must be at least %d characters long", minPasswordLength),
			"password", http.StatusBadRequest)
	}

	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return model.TokenPair{}, err
	}

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, model.ErrUserAlreadyExists) {
			return model.TokenPair{}, apierror.New("ALREADY_EXISTS", "username is already taken", username, http.StatusConflict)
		}
		return model.TokenPair{}, err
	}

	return s.issueSession(ctx, user.ID)
}

// Login verifies credentials and opens a new session. Unknown usernames and
// wrong passwords surface the same error so callers cannot enumerate
// accounts.
func (s *AuthService) Login(ctx context.Context, username string, plaintext string) (model.TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" || plaintext == "" {
		return model.TokenPair{}, apierror.New("BAD_REQUEST", "username and password are required", "", http.StatusBadRequest)
	}

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return model.TokenPair{}, invalidCredentials()
		}
		return model.TokenPair{}, err
	}

	if !s.hasher.Verify(plaintext, user.PasswordHash) {
		return model.TokenPair{}, invalidCredentials()
	}

	// Concurrent sessions from other devices stay untouched.
	return s.issueSession(ctx, user.ID)
}

// Refresh consumes the presented refresh token and rotates the whole pair.
// A token that verifies but is not on record was already consumed or
// revoked, and is rejected: this is the replay control.
func (s *AuthService) Refresh(ctx context.Context, presented string) (model.TokenPair, error) {
	claims, err := s.codec.Verify(presented, token.KindRefresh)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return model.TokenPair{}, apierror.New("UNAUTHORIZED", "refresh token expired", "", http.StatusUnauthorized)
		}
		return model.TokenPair{}, invalidRefreshToken()
	}

	next, pair, err := s.mintSession(claims.Subject)
	if err != nil {
		return model.TokenPair{}, err
	}

	rotated, err := s.sessions.Rotate(ctx, claims.Subject, presented, next)
	if err != nil {
		return model.TokenPair{}, err
	}
	if !rotated {
		slog.Warn("refresh token not on record", "user_id", claims.Subject, "jti", claims.ID)
		return model.TokenPair{}, invalidRefreshToken()
	}

	return pair, nil
}

// Logout revokes the session holding the presented access token. Deleting
// by access token makes logout effective with the credential the caller
// already holds.
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	if _, err := s.codec.Verify(accessToken, token.KindAccess); err != nil {
		return invalidAccessToken()
	}

	deleted, err := s.sessions.DeleteByAccessToken(ctx, accessToken)
	if err != nil {
		return err
	}
	if !deleted {
		return invalidAccessToken()
	}

	return nil
}

// Authenticate is the guard for protected resource routes: signature and
// expiry check via the codec, a subject-still-exists check to catch
// accounts deleted after issuance, and a session-record check so revoked
// and rotated-away access tokens die immediately instead of at expiry.
// All failures look identical externally.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*token.Claims, error) {
	claims, err := s.codec.Verify(accessToken, token.KindAccess)
	if err != nil {
		return nil, unauthenticated()
	}

	if _, err := s.users.FindByID(ctx, claims.Subject); err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			slog.Warn("token subject no longer exists", "user_id", claims.Subject)
			return nil, unauthenticated()
		}
		return nil, err
	}

	live, err := s.sessions.ExistsByAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, unauthenticated()
	}

	return claims, nil
}

func (s *AuthService) GetUserByID(ctx context.Context, userID string) (model.AuthUser, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return model.AuthUser{}, apierror.New("NOT_FOUND", "user not found", userID, http.StatusNotFound)
		}
		return model.AuthUser{}, err
	}

	return model.AuthUser{ID: user.ID, Username: user.Username}, nil
}

// StartSessionSweeper deletes expired session rows on a fixed interval
// until ctx is cancelled. Expired rows are already unusable (rotation and
// lookup both check expiry); the sweep just keeps the table bounded.
func (s *AuthService) StartSessionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.sessions.DeleteExpired(ctx)
			if err != nil {
				slog.Error("session sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("expired sessions removed", "count", removed)
			}
		}
	}
}

// issueSession builds the full record in memory and persists it with a
// single insert, so an aborted request never leaves a half-written session.
func (s *AuthService) issueSession(ctx context.Context, userID string) (model.TokenPair, error) {
	next, pair, err := s.mintSession(userID)
	if err != nil {
		return model.TokenPair{}, err
	}

	if err := s.sessions.Put(ctx, next); err != nil {
		return model.TokenPair{}, err
	}

	return pair, nil
}

func (s *AuthService) mintSession(userID string) (model.Session, model.TokenPair, error) {
	accessToken, _, err := s.codec.Mint(userID, token.KindAccess)
	if err != nil {
		return model.Session{}, model.TokenPair{}, err
	}

	refreshToken, refreshExpiry, err := s.codec.Mint(userID, token.KindRefresh)
	if err != nil {
		return model.Session{}, model.TokenPair{}, err
	}

	session := model.Session{
		RefreshToken: refreshToken,
		AccessToken:  accessToken,
		UserID:       userID,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    refreshExpiry,
	}

	pair := model.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
	}

	return session, pair, nil
}

func unauthenticated() error {
	return apierror.New("UNAUTHORIZED", "invalid or expired token", "", http.StatusUnauthorized)
}

func invalidCredentials() error {
	return apierror.New("UNAUTHORIZED", "invalid username or password", "", http.StatusUnauthorized)
}

func invalidRefreshToken() error {
	return apierror.New("UNAUTHORIZED", "refresh token is invalid", "", http.StatusUnauthorized)
}

func invalidAccessToken() error {
	return apierror.New("UNAUTHORIZED", "access token is invalid", "", http.StatusUnauthorized)
}
