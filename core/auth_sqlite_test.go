package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type AuthFixture struct {
	*ConsoleFixture
	authStore *SQLiteAuthStore
}

func NewAuthFixture(t *testing.T, opts ...AuthOption) *AuthFixture {
	f := NewConsoleFixture(t)
	return &AuthFixture{
		ConsoleFixture: f,
		authStore:      NewSQLiteAuthStore(f.db, f.userStore, []byte("secret"), opts...),
	}
}

func TestNewSession(t *testing.T) {
	f := NewAuthFixture(t)
	ids := seedUsers(f.ctx, t, f.userStore, newTestUser("admin", AdminRole), newTestUser("alice", ""))

	t.Run("valid credentials", func(t *testing.T) {
		session, err := f.authStore.NewSession(f.ctx, "admin@airchat.test", "password")
		require.NoError(t, err)
		assert.Equal(t, ids[0], session.UserID)
		assert.True(t, session.IsAdmin())
		assert.True(t, session.ExpiresAt.After(time.Now()))

		resolved, err := f.authStore.Session(f.ctx, session.Token)
		require.NoError(t, err)
		assert.Equal(t, session.UserID, resolved.UserID)
		assert.Equal(t, AdminRole, resolved.Role)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := f.authStore.NewSession(f.ctx, "admin@airchat.test", "wrong password")
		require.ErrorIs(t, err, ErrBadCredentials)
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := f.authStore.NewSession(f.ctx, "nobody@airchat.test", "password")
		require.ErrorIs(t, err, ErrBadCredentials)
	})

	t.Run("banned user", func(t *testing.T) {
		require.NoError(t, f.consoleStore.BanUser(f.ctx, ids[1], ""))
		_, err := f.authStore.NewSession(f.ctx, "alice@airchat.test", "password")
		require.ErrorIs(t, err, ErrBanned)
	})
}

func TestDestroySession(t *testing.T) {
	f := NewAuthFixture(t)
	seedUsers(f.ctx, t, f.userStore, newTestUser("alice", ""))

	session, err := f.authStore.NewSession(f.ctx, "alice@airchat.test", "password")
	require.NoError(t, err)

	require.NoError(t, f.authStore.DestroySession(f.ctx, *session))
	// signing out twice is not an error
	require.NoError(t, f.authStore.DestroySession(f.ctx, *session))

	_, err = f.authStore.Session(f.ctx, session.Token)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestSessionRejectsBadTokens(t *testing.T) {
	f := NewAuthFixture(t, WithTokenExp(-time.Minute))
	seedUsers(f.ctx, t, f.userStore, newTestUser("alice", ""))

	expired, err := f.authStore.NewSession(f.ctx, "alice@airchat.test", "password")
	require.NoError(t, err)

	for _, token := range []string{expired.Token, "not a token"} {
		_, err := f.authStore.Session(f.ctx, token)
		require.ErrorIs(t, err, ErrUnauthenticated)
	}
}
