package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-auth-service/internal/model"
)

// SessionRepository is the source of truth for which token pairs are
// currently valid. Rows are keyed by the exact refresh token string, which
// binds a refresh to the specific token instance that was issued.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) Put(ctx context.Context, s model.Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (refresh_token, access_token, user_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.RefreshToken, s.AccessToken, s.UserID, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (r *SessionRepository) FindByRefreshToken(ctx context.Context, refreshToken string) (model.Session, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT refresh_token, access_token, user_id, created_at, expires_at
		 FROM sessions WHERE refresh_token = $1`, refreshToken))
}

func (r *SessionRepository) FindBySubjectAndRefreshToken(ctx context.Context, userID string, refreshToken string) (model.Session, error) {
	return r.scanOne(r.pool.QueryRow(ctx,
		`SELECT refresh_token, access_token, user_id, created_at, expires_at
		 FROM sessions WHERE user_id = $1 AND refresh_token = $2`, userID, refreshToken))
}

// Rotate atomically replaces both tokens of the session identified by
// (userID, oldRefreshToken). The single UPDATE keyed by the consumed token
// serializes racing refreshes: at most one caller observes a row and wins,
// the rest see zero rows affected.
func (r *SessionRepository) Rotate(ctx context.Context, userID string, oldRefreshToken string, next model.Session) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions
		 SET refresh_token = $3, access_token = $4, expires_at = $5
		 WHERE user_id = $1 AND refresh_token = $2 AND expires_at > now()`,
		userID, oldRefreshToken, next.RefreshToken, next.AccessToken, next.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("rotate session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExistsByAccessToken reports whether a live session still carries the
// given access token. Rotation and logout both remove the old access token
// from the table, which is what revokes it ahead of its JWT expiry.
func (r *SessionRepository) ExistsByAccessToken(ctx context.Context, accessToken string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE access_token = $1 AND expires_at > now())`,
		accessToken).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check session by access token: %w", err)
	}
	return exists, nil
}

func (r *SessionRepository) DeleteByAccessToken(ctx context.Context, accessToken string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE access_token = $1`, accessToken)
	if err != nil {
		return false, fmt.Errorf("delete session by access token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *SessionRepository) DeleteByRefreshToken(ctx context.Context, refreshToken string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE refresh_token = $1`, refreshToken)
	if err != nil {
		return false, fmt.Errorf("delete session by refresh token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *SessionRepository) scanOne(row pgx.Row) (model.Session, error) {
	var s model.Session
	err := row.Scan(&s.RefreshToken, &s.AccessToken, &s.UserID, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, model.ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("scan session: %w", err)
	}
	return s, nil
}
