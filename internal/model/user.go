package model

import "time"

// User is the stored credential record. PasswordHash carries the bcrypt
// digest with its embedded salt and cost; the plaintext never leaves the
// request that carried it.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AuthUser is the outward-facing shape of a user, stripped of credentials.
type AuthUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Session binds a subject to its currently valid token pair. One row per
// login event, keyed by the refresh token, so a user may hold several
// concurrent sessions (one per device). ExpiresAt mirrors the refresh
// token lifetime.
type Session struct {
	RefreshToken string    `json:"refresh_token"`
	AccessToken  string    `json:"access_token"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}
