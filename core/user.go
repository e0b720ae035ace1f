package core

import (
	"context"
	"errors"
	"time"
)

type Role string

const (
	AdminRole Role = "admin"
	UserRole  Role = "user"
)

// User is a profile together with its password.
// The password is only ever set on input, it is never read back from the store.
type User struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	FullName  string `json:"full_name" validate:"required"`
	AvatarURL string `json:"avatar_url" validate:"omitempty,url"`
	Role      Role   `json:"role" validate:"omitempty,oneof=admin user"`
}

func (u *User) Validate() error {
	return validate.Struct(u)
}

// Profile is the public view of a user.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	AvatarURL string    `json:"avatar_url"`
	Role      Role      `json:"role"`
	IsBanned  bool      `json:"is_banned"`
	LastSeen  time.Time `json:"last_seen"`
}

var (
	ErrConflictedUser = errors.New("user already exists")
)

type UserStore interface {
	// CreateUser creates a profile and returns its ID.
	// If the email is already taken, it returns ErrConflictedUser.
	CreateUser(ctx context.Context, user User) (string, error)

	// GetUserByID returns nil if the user does not exist.
	GetUserByID(ctx context.Context, id string) (*Profile, error)

	// GetUserByEmail returns nil if the user does not exist.
	GetUserByEmail(ctx context.Context, email string) (*Profile, error)

	ComparePassword(ctx context.Context, email, password string) (bool, error)

	// TouchLastSeen records the moment a user was last connected.
	TouchLastSeen(ctx context.Context, id string, at time.Time) error

	// ListUsers returns the profiles that are not admins, ordered by name.
	ListUsers(ctx context.Context, filter UserFilter) ([]Profile, error)
}

// UserFilter narrows the user list. Zero values match everything.
type UserFilter struct {
	// Search matches a part of the name or the email.
	Search string
	Banned *bool
}
