package core

import (
	"context"
	"errors"
	"time"
)

type Session struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s Session) IsAdmin() bool {
	return s.Role == AdminRole
}

var (
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrBanned          = errors.New("user is banned")
)

type AuthStore interface {
	// NewSession signs a profile in. Banned profiles are refused with ErrBanned.
	NewSession(ctx context.Context, email, password string) (*Session, error)

	DestroySession(ctx context.Context, session Session) error

	// Session resolves a token. Expired, invalid or signed out tokens yield ErrUnauthenticated.
	Session(ctx context.Context, token string) (*Session, error)
}
