package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/putto11262002/airchat/core"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeConn struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	opened   []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{channels: make(map[string]*fakeChannel)}
}

func (c *fakeConn) Channel(name string) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[name]; ok {
		return nil, ErrChannelInUse
	}
	ch := &fakeChannel{name: name, conn: c}
	c.channels[name] = ch
	c.opened = append(c.opened, name)
	return ch, nil
}

func (c *fakeConn) Close() error { return nil }

// channel returns the live channel with that name, nil if there is none.
func (c *fakeConn) channel(name string) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[name]
}

func (c *fakeConn) openedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opened)
}

// fakeChannel delivers whatever the test emits, even after Unsubscribe,
// so tests can prove that late events are ignored by the consumers.
type fakeChannel struct {
	name string
	conn *fakeConn

	mu           sync.Mutex
	bindings     []changeHandler
	syncs        []SyncHandler
	statusCb     StatusHandler
	tracked      []core.PresenceMeta
	unsubscribed bool
}

func (ch *fakeChannel) Name() string { return ch.name }

func (ch *fakeChannel) OnChanges(binding core.ChangeBinding, h ChangeHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bindings = append(ch.bindings, changeHandler{binding: binding, handler: h})
}

func (ch *fakeChannel) OnPresenceSync(h SyncHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.syncs = append(ch.syncs, h)
}

func (ch *fakeChannel) Subscribe(_ context.Context, cb StatusHandler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.statusCb = cb
}

func (ch *fakeChannel) Track(_ context.Context, meta core.PresenceMeta) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.tracked = append(ch.tracked, meta)
	return nil
}

func (ch *fakeChannel) PresenceState() core.PresenceState { return nil }

func (ch *fakeChannel) Unsubscribe() error {
	ch.mu.Lock()
	ch.unsubscribed = true
	ch.mu.Unlock()

	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	if ch.conn.channels[ch.name] == ch {
		delete(ch.conn.channels, ch.name)
	}
	return nil
}

func (ch *fakeChannel) setStatus(status Status, err error) {
	ch.mu.Lock()
	cb := ch.statusCb
	ch.mu.Unlock()
	if cb != nil {
		cb(status, err)
	}
}

func (ch *fakeChannel) emitSync(state core.PresenceState) {
	ch.mu.Lock()
	syncs := append([]SyncHandler(nil), ch.syncs...)
	ch.mu.Unlock()
	for _, h := range syncs {
		h(state)
	}
}

func (ch *fakeChannel) emitChange(c core.Change) {
	ch.mu.Lock()
	bindings := append([]changeHandler(nil), ch.bindings...)
	ch.mu.Unlock()
	for _, b := range bindings {
		if b.binding.Matches(c) {
			b.handler(c)
		}
	}
}

func (ch *fakeChannel) trackedMetas() []core.PresenceMeta {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]core.PresenceMeta(nil), ch.tracked...)
}

func (ch *fakeChannel) isUnsubscribed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.unsubscribed
}

var errBackend = errors.New("backend unavailable")

// fakeBackend serves counts from memory and counts the calls it receives.
type fakeBackend struct {
	mu          sync.Mutex
	summaries   []core.ConversationSummary
	summaryErr  error
	unreadChats int
	reports     int
	markErr     error
	marked      []string
	room        *core.Room
	messages    []core.Message
	calls       map[string]int
	// beforeHistory runs when RoomMessages is called, before it answers.
	beforeHistory func()

	// when gate is set, every ConversationSummaries call announces itself on
	// started and waits for a value on gate
	gate    chan struct{}
	started chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: make(map[string]int)}
}

func (b *fakeBackend) call(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[name]++
}

func (b *fakeBackend) callCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) setUnread(roomID string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.summaries {
		if b.summaries[i].RoomID == roomID {
			b.summaries[i].UnreadCount = n
		}
	}
}

func (b *fakeBackend) setReports(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = n
}

func (b *fakeBackend) ConversationSummaries(ctx context.Context) ([]core.ConversationSummary, error) {
	b.call("ConversationSummaries")
	// the snapshot is taken when the request starts, like a query would
	b.mu.Lock()
	gate, started := b.gate, b.started
	summaries := append([]core.ConversationSummary(nil), b.summaries...)
	err := b.summaryErr
	b.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

func (b *fakeBackend) block() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	b.started = make(chan struct{}, 16)
}

func (b *fakeBackend) UnreadChatCount(context.Context) (int, error) {
	b.call("UnreadChatCount")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unreadChats, nil
}

func (b *fakeBackend) OpenReportCount(context.Context) (int, error) {
	b.call("OpenReportCount")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reports, nil
}

func (b *fakeBackend) MarkConversationRead(_ context.Context, roomID string) error {
	b.call("MarkConversationRead")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.markErr != nil {
		return b.markErr
	}
	b.marked = append(b.marked, roomID)
	for i := range b.summaries {
		if b.summaries[i].RoomID == roomID {
			b.summaries[i].UnreadCount = 0
		}
	}
	return nil
}

func (b *fakeBackend) Room(_ context.Context, roomID string) (*core.Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.room == nil || b.room.ID != roomID {
		return nil, errBackend
	}
	room := *b.room
	return &room, nil
}

func (b *fakeBackend) RoomMessages(context.Context, string) ([]core.Message, error) {
	b.mu.Lock()
	hook := b.beforeHistory
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.Message(nil), b.messages...), nil
}

func (b *fakeBackend) SendMessage(_ context.Context, roomID, content, imageURL string) (*core.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := core.Message{ID: int64(len(b.messages) + 1), RoomID: roomID, Content: content, ImageURL: imageURL}
	b.messages = append(b.messages, m)
	return &m, nil
}

func (b *fakeBackend) markedRooms() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.marked...)
}

func mustChange(table string, t core.ChangeType, record, old any) core.Change {
	c, err := core.NewChange(table, t, record, old)
	if err != nil {
		panic(err)
	}
	return c
}
