package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestUser(name string, role Role) User {
	return User{
		Email:    fmt.Sprintf("%s@airchat.test", name),
		Password: "password",
		FullName: name,
		Role:     role,
	}
}

// seedUsers creates the users and returns their IDs in order.
func seedUsers(ctx context.Context, t *testing.T, userStore UserStore, users ...User) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		id, err := userStore.CreateUser(ctx, u)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func seedRoom(f *ConsoleFixture, a, b string) string {
	id, err := f.consoleStore.CreateRoom(f.ctx, a, b)
	require.NoError(f.t, err)
	return id
}

func seedMessages(f *ConsoleFixture, roomID, sender string, contents ...string) []Message {
	messages := make([]Message, 0, len(contents))
	for _, c := range contents {
		m, err := f.consoleStore.SendMessage(f.ctx, MessageCreateInput{RoomID: roomID, SenderID: sender, Content: c})
		require.NoError(f.t, err)
		messages = append(messages, *m)
	}
	return messages
}
