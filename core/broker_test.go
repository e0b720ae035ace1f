package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSubscriber struct {
	id     string
	userID string
	role   Role
	mu     sync.Mutex
	frames []*Frame
}

func newTestSubscriber(id, userID string, role Role) *testSubscriber {
	return &testSubscriber{id: id, userID: userID, role: role}
}

func (s *testSubscriber) ID() string     { return s.id }
func (s *testSubscriber) UserID() string { return s.userID }
func (s *testSubscriber) Role() Role     { return s.role }

func (s *testSubscriber) Send(f *Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return true
}

// take returns the frames received so far and forgets them.
func (s *testSubscriber) take() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.frames
	s.frames = nil
	return frames
}

func (s *testSubscriber) lastPresence(t *testing.T, topic string) PresenceState {
	t.Helper()
	var state PresenceState
	found := false
	for _, f := range s.take() {
		if f.Topic == topic && f.Event == PresenceStateEvent {
			require.NoError(t, json.Unmarshal(f.Payload, &state))
			found = true
		}
	}
	require.True(t, found, "no presence state received")
	return state
}

func mustFrame(t *testing.T, topic, event string, ref int, payload any) *Frame {
	f, err := NewFrame(topic, event, ref, payload)
	require.NoError(t, err)
	return f
}

func TestBrokerJoinReply(t *testing.T) {
	b := NewBroker(NewLocalBus(), testLogger)
	sub := newTestSubscriber("conn-1", "admin", AdminRole)
	ctx := context.Background()

	b.Handle(ctx, sub, mustFrame(t, "online-users", JoinEvent, 1, JoinPayload{}))
	frames := sub.take()
	require.Len(t, frames, 2)

	assert.Equal(t, ReplyEvent, frames[0].Event)
	assert.Equal(t, 1, frames[0].Ref)
	var reply ReplyPayload
	require.NoError(t, json.Unmarshal(frames[0].Payload, &reply))
	assert.Equal(t, ReplyOK, reply.Status)

	assert.Equal(t, PresenceStateEvent, frames[1].Event)

	t.Run("duplicate join", func(t *testing.T) {
		b.Handle(ctx, sub, mustFrame(t, "online-users", JoinEvent, 2, JoinPayload{}))
		frames := sub.take()
		require.Len(t, frames, 1)
		var reply ReplyPayload
		require.NoError(t, json.Unmarshal(frames[0].Payload, &reply))
		assert.Equal(t, ReplyError, reply.Status)
		assert.Equal(t, ErrAlreadyJoined.Error(), reply.Error)
	})

	t.Run("invalid binding", func(t *testing.T) {
		b.Handle(ctx, sub, mustFrame(t, "bad", JoinEvent, 3, JoinPayload{
			Bindings: []ChangeBinding{{ID: 1, Table: MessagesTable, Filter: "room_id"}},
		}))
		var reply ReplyPayload
		require.NoError(t, json.Unmarshal(sub.take()[0].Payload, &reply))
		assert.Equal(t, ReplyError, reply.Status)
	})

	t.Run("unknown event", func(t *testing.T) {
		b.Handle(ctx, sub, mustFrame(t, "online-users", "shout", 4, nil))
		var reply ReplyPayload
		require.NoError(t, json.Unmarshal(sub.take()[0].Payload, &reply))
		assert.Equal(t, ErrUnknownEvent.Error(), reply.Error)
	})
}

func TestBrokerPresence(t *testing.T) {
	b := NewBroker(NewLocalBus(), testLogger)
	admin := newTestSubscriber("conn-admin", "admin", AdminRole)
	alice := newTestSubscriber("conn-alice", "alice", UserRole)
	const topic = "admin-online-users-list"
	ctx := context.Background()

	require.NoError(t, b.Join(ctx, admin, topic, nil))
	require.NoError(t, b.Join(ctx, alice, topic, nil))
	require.NoError(t, b.Track(admin, topic, PresenceMeta{"user_id": "admin"}))
	require.NoError(t, b.Track(alice, topic, PresenceMeta{"user_id": "alice"}))

	state := admin.lastPresence(t, topic)
	require.Len(t, state, 2)
	assert.Equal(t, "alice", state["conn-alice"][0]["user_id"])
	alice.take()

	t.Run("track replaces", func(t *testing.T) {
		require.NoError(t, b.Track(alice, topic, PresenceMeta{"user_id": "alice", "page": "chat"}))
		state := admin.lastPresence(t, topic)
		require.Len(t, state["conn-alice"], 1)
		assert.Equal(t, "chat", state["conn-alice"][0]["page"])
		alice.take()
	})

	t.Run("user id comes from the socket", func(t *testing.T) {
		require.NoError(t, b.Track(alice, topic, PresenceMeta{"user_id": "admin", "page": "chat"}))
		state := admin.lastPresence(t, topic)
		assert.Equal(t, "alice", state["conn-alice"][0]["user_id"])
		assert.Equal(t, "chat", state["conn-alice"][0]["page"])

		require.NoError(t, b.Track(alice, topic, nil))
		state = admin.lastPresence(t, topic)
		assert.Equal(t, PresenceMeta{"user_id": "alice"}, state["conn-alice"][0])
		alice.take()
	})

	t.Run("untrack", func(t *testing.T) {
		require.NoError(t, b.Untrack(alice, topic))
		state := admin.lastPresence(t, topic)
		assert.NotContains(t, state, "conn-alice")
		require.NoError(t, b.Track(alice, topic, PresenceMeta{"user_id": "alice"}))
		admin.take()
		alice.take()
	})

	t.Run("leave all drops presence", func(t *testing.T) {
		b.LeaveAll(alice)
		state := admin.lastPresence(t, topic)
		assert.Equal(t, PresenceState{"conn-admin": {{"user_id": "admin"}}}, state)
		assert.Empty(t, alice.take())
	})

	t.Run("last leave removes the topic", func(t *testing.T) {
		require.NoError(t, b.Leave(admin, topic))
		assert.Equal(t, 0, b.Topics())
		require.ErrorIs(t, b.Leave(admin, topic), ErrNotJoined)
		require.ErrorIs(t, b.Track(admin, topic, PresenceMeta{}), ErrNotJoined)
	})
}

func TestBrokerDispatch(t *testing.T) {
	bus := NewLocalBus()
	b := NewBroker(bus, testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	admin := newTestSubscriber("conn-admin", "admin", AdminRole)
	require.NoError(t, b.Join(ctx, admin, "admin-chat-room-1", []ChangeBinding{
		{ID: 1, Table: MessagesTable, Events: []ChangeType{Insert}, Filter: "room_id=eq.room-1"},
	}))
	require.NoError(t, b.Join(ctx, admin, "admin-layout-listener-reports", []ChangeBinding{
		{ID: 1, Table: ReportsTable, Events: []ChangeType{Insert}},
		{ID: 2, Table: ReportsTable, Events: []ChangeType{Delete}},
	}))
	require.NoError(t, b.Join(ctx, admin, "admin-layout-listener-chats", []ChangeBinding{
		{ID: 1, Table: MessagesTable, Events: []ChangeType{AnyChange}},
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	publish := func(table string, typ ChangeType, record, old any) {
		c, err := NewChange(table, typ, record, old)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, c))
	}

	// Run subscribes asynchronously, wait until a change goes through
	require.Eventually(t, func() bool {
		publish(ReportsTable, Insert, Report{ID: "r-0"}, nil)
		return len(admin.take()) > 0
	}, time.Second, 20*time.Millisecond)

	publish(MessagesTable, Insert, Message{ID: 1, RoomID: "room-2"}, nil)
	publish(MessagesTable, Insert, Message{ID: 2, RoomID: "room-1"}, nil)
	publish(ReportsTable, Delete, nil, Report{ID: "r-1"})

	topics := map[string][]int{}
	received := 0
	require.Eventually(t, func() bool {
		for _, f := range admin.take() {
			var payload ChangesPayload
			if f.Event != ChangesEvent || json.Unmarshal(f.Payload, &payload) != nil {
				continue
			}
			if payload.Change.Table == ReportsTable && payload.Change.Type == Insert {
				// late warm up change
				continue
			}
			topics[f.Topic] = append(topics[f.Topic], payload.IDs...)
			received++
		}
		return received == 4
	}, time.Second, 10*time.Millisecond)

	// room-2 insert reaches only the chats listener, room-1 insert reaches both
	assert.Equal(t, []int{1, 1}, topics["admin-layout-listener-chats"])
	assert.Equal(t, []int{1}, topics["admin-chat-room-1"])
	assert.Equal(t, []int{2}, topics["admin-layout-listener-reports"])

	cancel()
	<-done
}

func TestBrokerJoinAuthorization(t *testing.T) {
	ctx := context.Background()
	admin := newTestSubscriber("conn-admin", "admin", AdminRole)
	alice := newTestSubscriber("conn-alice", "alice", UserRole)
	roomBinding := ChangeBinding{ID: 1, Table: MessagesTable, Events: []ChangeType{Insert}, Filter: "room_id=eq.room-1"}

	t.Run("default lets only admins bind", func(t *testing.T) {
		b := NewBroker(NewLocalBus(), testLogger)
		require.NoError(t, b.Join(ctx, admin, "admin-chat-room-1", []ChangeBinding{roomBinding}))
		require.ErrorIs(t, b.Join(ctx, alice, "chat-room-1", []ChangeBinding{roomBinding}), ErrForbiddenBinding)
		// presence only channels carry no binding
		require.NoError(t, b.Join(ctx, alice, "online-users", nil))
		assert.Equal(t, 2, b.Topics())
	})

	rooms := roomReaderFunc(func(_ context.Context, id string) (*Room, error) {
		if id != "room-1" {
			return nil, nil
		}
		return &Room{ID: id, Participant1ID: "admin", Participant2ID: "alice"}, nil
	})
	b := NewBroker(NewLocalBus(), testLogger, WithAuthorizer(NewParticipantAuthorizer(rooms)))
	mallory := newTestSubscriber("conn-mallory", "mallory", UserRole)

	tcs := []struct {
		name    string
		sub     Subscriber
		binding ChangeBinding
		err     error
	}{
		{name: "admin binds reports", sub: admin, binding: ChangeBinding{ID: 1, Table: ReportsTable}},
		{name: "admin binds every message", sub: admin, binding: ChangeBinding{ID: 1, Table: MessagesTable, Events: []ChangeType{AnyChange}}},
		{name: "participant binds own room", sub: alice, binding: roomBinding},
		{name: "participant binds every message", sub: alice, binding: ChangeBinding{ID: 1, Table: MessagesTable, Events: []ChangeType{AnyChange}}, err: ErrForbiddenBinding},
		{name: "participant binds reports", sub: alice, binding: ChangeBinding{ID: 1, Table: ReportsTable}, err: ErrForbiddenBinding},
		{name: "participant binds profiles", sub: alice, binding: ChangeBinding{ID: 1, Table: ProfilesTable, Filter: "room_id=eq.room-1"}, err: ErrForbiddenBinding},
		{name: "participant filters on another column", sub: alice, binding: ChangeBinding{ID: 1, Table: MessagesTable, Filter: "sender_id=eq.admin"}, err: ErrForbiddenBinding},
		{name: "participant binds unknown room", sub: alice, binding: ChangeBinding{ID: 1, Table: MessagesTable, Filter: "room_id=eq.room-9"}, err: ErrForbiddenBinding},
		{name: "outsider binds the room", sub: mallory, binding: roomBinding, err: ErrForbiddenBinding},
	}
	for i, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			topic := fmt.Sprintf("topic-%d", i)
			err := b.Join(ctx, tc.sub, topic, []ChangeBinding{tc.binding})
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.ErrorIs(t, b.Leave(tc.sub, topic), ErrNotJoined)
				return
			}
			require.NoError(t, err)
		})
	}

	t.Run("rejected join replies with an error", func(t *testing.T) {
		b.Handle(ctx, mallory, mustFrame(t, "snoop", JoinEvent, 7, JoinPayload{
			Bindings: []ChangeBinding{{ID: 1, Table: MessagesTable, Events: []ChangeType{AnyChange}}},
		}))
		frames := mallory.take()
		require.Len(t, frames, 1)
		var reply ReplyPayload
		require.NoError(t, json.Unmarshal(frames[0].Payload, &reply))
		assert.Equal(t, ReplyError, reply.Status)

		b.Dispatch(mustChange(t, MessagesTable, Insert, Message{ID: 1, RoomID: "room-1"}, nil))
		assert.Empty(t, mallory.take())
	})
}

type roomReaderFunc func(ctx context.Context, id string) (*Room, error)

func (f roomReaderFunc) GetRoom(ctx context.Context, id string) (*Room, error) {
	return f(ctx, id)
}

func mustChange(t *testing.T, table string, typ ChangeType, record, old any) Change {
	c, err := NewChange(table, typ, record, old)
	require.NoError(t, err)
	return c
}

// blockingSubscriber holds every Send until release is closed.
type blockingSubscriber struct {
	*testSubscriber
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSubscriber) Send(f *Frame) bool {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.testSubscriber.Send(f)
}

func TestBrokerSendsOutsideTheLock(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(NewLocalBus(), testLogger)
	slow := &blockingSubscriber{
		testSubscriber: newTestSubscriber("conn-slow", "admin", AdminRole),
		entered:        make(chan struct{}, 1),
		release:        make(chan struct{}),
	}
	require.NoError(t, b.Join(ctx, slow, "admin-layout-listener-chats", []ChangeBinding{
		{ID: 1, Table: MessagesTable, Events: []ChangeType{AnyChange}},
	}))

	c := mustChange(t, MessagesTable, Insert, Message{ID: 1, RoomID: "room-1"}, nil)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		b.Dispatch(c)
	}()
	<-slow.entered

	// the topic map stays writable while a delivery is stuck
	fast := newTestSubscriber("conn-fast", "admin", AdminRole)
	joined := make(chan error, 1)
	go func() { joined <- b.Join(ctx, fast, "online-users", nil) }()
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("join blocked behind a slow subscriber")
	}

	close(slow.release)
	<-dispatched
	assert.Len(t, slow.take(), 1)
}
