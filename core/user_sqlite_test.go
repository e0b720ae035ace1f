package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type UserFixture struct {
	*BaseFixture
	userStore UserStore
}

func NewUserFixture(t *testing.T) *UserFixture {
	base := NewBaseFixture(t)
	return &UserFixture{
		BaseFixture: base,
		userStore:   NewSQLiteUserStore(base.db),
	}
}

func TestCreateUser(t *testing.T) {
	f := NewUserFixture(t)

	t.Run("new user", func(t *testing.T) {
		id, err := f.userStore.CreateUser(f.ctx, newTestUser("alice", ""))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		p, err := f.userStore.GetUserByID(f.ctx, id)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "alice@airchat.test", p.Email)
		assert.Equal(t, UserRole, p.Role)
		assert.False(t, p.IsBanned)
		assert.True(t, p.LastSeen.IsZero())
	})

	t.Run("conflicting email", func(t *testing.T) {
		_, err := f.userStore.CreateUser(f.ctx, newTestUser("alice", ""))
		require.ErrorIs(t, err, ErrConflictedUser)
	})
}

func TestGetUser(t *testing.T) {
	f := NewUserFixture(t)
	ids := seedUsers(f.ctx, t, f.userStore, newTestUser("admin", AdminRole))

	p, err := f.userStore.GetUserByEmail(f.ctx, "admin@airchat.test")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, ids[0], p.ID)
	assert.Equal(t, AdminRole, p.Role)

	p, err = f.userStore.GetUserByID(f.ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestComparePassword(t *testing.T) {
	f := NewUserFixture(t)
	seedUsers(f.ctx, t, f.userStore, newTestUser("alice", ""))

	ok, err := f.userStore.ComparePassword(f.ctx, "alice@airchat.test", "password")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.userStore.ComparePassword(f.ctx, "alice@airchat.test", "wrong password")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.userStore.ComparePassword(f.ctx, "nobody@airchat.test", "password")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTouchLastSeen(t *testing.T) {
	f := NewUserFixture(t)
	ids := seedUsers(f.ctx, t, f.userStore, newTestUser("alice", ""))

	at := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, f.userStore.TouchLastSeen(f.ctx, ids[0], at))

	p, err := f.userStore.GetUserByID(f.ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, at.Equal(p.LastSeen))
}

func TestUserValidate(t *testing.T) {
	u := newTestUser("alice", "")
	require.NoError(t, u.Validate())

	u.Password = "short"
	require.Error(t, u.Validate())

	u = newTestUser("alice", "superuser")
	require.Error(t, u.Validate())
}

func TestListUsers(t *testing.T) {
	f := NewUserFixture(t)
	ids := seedUsers(f.ctx, t, f.userStore,
		newTestUser("admin", AdminRole), newTestUser("carol", ""), newTestUser("alice", ""), newTestUser("bob", ""))
	_, err := f.db.ExecContext(f.ctx, "UPDATE profiles SET is_banned = 1 WHERE id = ?", ids[3])
	require.NoError(t, err)

	names := func(profiles []Profile) []string {
		var out []string
		for _, p := range profiles {
			out = append(out, p.FullName)
		}
		return out
	}
	banned, notBanned := true, false

	tcs := []struct {
		name   string
		filter UserFilter
		want   []string
	}{
		{name: "everyone but admins", want: []string{"alice", "bob", "carol"}},
		{name: "search by name", filter: UserFilter{Search: "ar"}, want: []string{"carol"}},
		{name: "search by email", filter: UserFilter{Search: "bob@"}, want: []string{"bob"}},
		{name: "banned", filter: UserFilter{Banned: &banned}, want: []string{"bob"}},
		{name: "not banned", filter: UserFilter{Banned: &notBanned}, want: []string{"alice", "carol"}},
		{name: "no match", filter: UserFilter{Search: "admin"}, want: nil},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			users, err := f.userStore.ListUsers(f.ctx, tc.filter)
			require.NoError(t, err)
			assert.Equal(t, tc.want, names(users))
		})
	}
}
