// Package token mints and verifies the signed bearer tokens the session
// manager hands out. Access and refresh tokens are signed with independent
// secrets, so compromise of one class cannot forge the other.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

var (
	ErrMalformed        = errors.New("token is malformed")
	ErrSignatureInvalid = errors.New("token signature is invalid")
	ErrExpired          = errors.New("token is expired")
	ErrWrongKind        = errors.New("token kind mismatch")
	ErrInvalid          = errors.New("token is invalid")
)

// Config is the immutable signing configuration injected at construction.
// Core logic never reads secrets or lifetimes from ambient process state.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

type Claims struct {
	jwt.RegisteredClaims
	Kind string `json:"typ"`
}

type Codec struct {
	cfg Config
}

func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, fmt.Errorf("token codec requires both signing secrets")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, fmt.Errorf("access and refresh secrets must be independent")
	}

	return &Codec{cfg: cfg}, nil
}

func (c *Codec) AccessTTL() time.Duration {
	return c.cfg.AccessTTL
}

// Mint signs a token of the given kind for subjectID and returns it along
// with its expiry instant.
func (c *Codec) Mint(subjectID string, kind Kind) (string, time.Time, error) {
	secret, ttl, err := c.kindParams(kind)
	if err != nil {
		return "", time.Time{}, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Kind: string(kind),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", kind, err)
	}

	return signed, expiresAt, nil
}

// Verify checks signature, expiry and kind, failing closed: anything that
// does not parse and verify cleanly is rejected with a typed error.
func (c *Codec) Verify(tokenString string, kind Kind) (*Claims, error) {
	secret, _, err := c.kindParams(kind)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return secret, nil
	})

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrSignatureInvalid
	case err != nil:
		return nil, ErrInvalid
	}

	if !parsed.Valid {
		return nil, ErrInvalid
	}

	if claims.Kind != string(kind) {
		return nil, ErrWrongKind
	}

	if claims.Subject == "" {
		return nil, ErrInvalid
	}

	return claims, nil
}

func (c *Codec) kindParams(kind Kind) ([]byte, time.Duration, error) {
	switch kind {
	case KindAccess:
		return c.cfg.AccessSecret, c.cfg.AccessTTL, nil
	case KindRefresh:
		return c.cfg.RefreshSecret, c.cfg.RefreshTTL, nil
	default:
		return nil, 0, fmt.Errorf("unknown token kind %q", kind)
	}
}
