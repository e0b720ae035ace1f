package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/putto11262002/airchat/core"
)

// Channel names used by the console pages. Every page uses its own names so
// pages mounted at the same time never share a subscription.
const (
	LayoutChatsChannel    = "admin-layout-listener-chats"
	LayoutReportsChannel  = "admin-layout-listener-reports"
	ChatListChannel       = "admin-chats-list-page-messages"
	ChatListPresence      = "admin-online-users-list"
	ChatRoomPresence      = "online-users"
	chatRoomChannelPrefix = "admin-chat-"
)

func ChatRoomChannel(roomID string) string {
	return chatRoomChannelPrefix + roomID
}

// warnOnError logs subscription failures. The page keeps working with stale data.
func warnOnError(logger *slog.Logger, name string) StatusHandler {
	return func(status Status, err error) {
		if status == StatusChannelError || status == StatusTimedOut {
			logger.Warn(fmt.Sprintf("subscribe %s: %s", name, status), slog.Any("error", err))
		}
	}
}

// scope collects what a page acquires so it can be released in one call.
type scope struct {
	mu       sync.Mutex
	channels []Channel
	closers  []func()
	once     sync.Once
	logger   *slog.Logger
}

func (s *scope) channel(conn Connection, name string) (Channel, error) {
	ch, err := conn.Channel(name)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", name, err)
	}
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return ch, nil
}

func (s *scope) onRelease(f func()) {
	s.mu.Lock()
	s.closers = append(s.closers, f)
	s.mu.Unlock()
}

// release unsubscribes every channel and runs the closers in reverse order.
func (s *scope) release() {
	s.once.Do(func() {
		s.mu.Lock()
		channels := s.channels
		closers := s.closers
		s.mu.Unlock()

		for _, ch := range channels {
			if err := ch.Unsubscribe(); err != nil {
				s.logger.Warn(fmt.Sprintf("unsubscribe %s: %v", ch.Name(), err))
			}
		}
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	})
}

type PageOptions struct {
	Logger *slog.Logger
	// OnUpdate is called after any state change of the page.
	OnUpdate func()
}

func (o *PageOptions) defaults() PageOptions {
	opts := PageOptions{Logger: slog.Default(), OnUpdate: func() {}}
	if o == nil {
		return opts
	}
	if o.Logger != nil {
		opts.Logger = o.Logger
	}
	if o.OnUpdate != nil {
		opts.OnUpdate = o.OnUpdate
	}
	return opts
}

// Layout is the console shell: unread conversation total and open report counter.
type Layout struct {
	Unread *UnreadAggregator
	scope  *scope
}

func MountLayout(ctx context.Context, conn Connection, backend Backend, o *PageOptions) (_ *Layout, err error) {
	opts := o.defaults()
	s := &scope{logger: opts.Logger}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	agg := NewUnreadAggregator(backend, ScopeChatTotal|ScopeReports,
		WithAggregatorLogger(opts.Logger), WithOnUpdate(opts.OnUpdate))
	s.onRelease(agg.Close)

	chats, err := s.channel(conn, LayoutChatsChannel)
	if err != nil {
		return nil, err
	}
	chats.OnChanges(core.ChangeBinding{Table: core.MessagesTable, Events: []core.ChangeType{core.AnyChange}}, agg.OnMessageChange)

	reports, err := s.channel(conn, LayoutReportsChannel)
	if err != nil {
		return nil, err
	}
	reports.OnChanges(core.ChangeBinding{Table: core.ReportsTable, Events: []core.ChangeType{core.Insert}}, agg.OnReportInsert)
	reports.OnChanges(core.ChangeBinding{Table: core.ReportsTable, Events: []core.ChangeType{core.Delete}}, agg.OnReportDelete)

	chats.Subscribe(ctx, warnOnError(opts.Logger, LayoutChatsChannel))
	reports.Subscribe(ctx, warnOnError(opts.Logger, LayoutReportsChannel))

	// a failed recount is kept by the aggregator and shown inline
	if err := agg.FetchAuthoritative(ctx); err != nil {
		opts.Logger.Warn(fmt.Sprintf("layout counts: %v", err))
	}
	return &Layout{Unread: agg, scope: s}, nil
}

// Close releases the page. It is safe to call more than once.
func (l *Layout) Close() {
	l.scope.release()
}

// ChatList is the conversation list page with online indicators.
type ChatList struct {
	Unread   *UnreadAggregator
	Presence *PresenceTracker
	scope    *scope
}

func MountChatList(ctx context.Context, conn Connection, backend Backend, self string, o *PageOptions) (_ *ChatList, err error) {
	opts := o.defaults()
	s := &scope{logger: opts.Logger}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	agg := NewUnreadAggregator(backend, ScopeConversations,
		WithAggregatorLogger(opts.Logger), WithOnUpdate(opts.OnUpdate))
	s.onRelease(agg.Close)

	messages, err := s.channel(conn, ChatListChannel)
	if err != nil {
		return nil, err
	}
	messages.OnChanges(core.ChangeBinding{Table: core.MessagesTable, Events: []core.ChangeType{core.AnyChange}}, agg.OnMessageChange)
	messages.Subscribe(ctx, warnOnError(opts.Logger, ChatListChannel))

	presence := NewPresenceTracker(conn, WithPresenceLogger(opts.Logger), WithOnPresenceChange(opts.OnUpdate))
	if err := presence.Join(ctx, ChatListPresence, self); err != nil {
		return nil, err
	}
	s.onRelease(presence.Leave)

	if err := agg.FetchAuthoritative(ctx); err != nil {
		opts.Logger.Warn(fmt.Sprintf("conversation list: %v", err))
	}
	return &ChatList{Unread: agg, Presence: presence, scope: s}, nil
}

// MarkRead marks a conversation read, as opening it from the list does.
func (c *ChatList) MarkRead(ctx context.Context, roomID string) error {
	return c.Unread.MarkRead(ctx, roomID)
}

func (c *ChatList) Close() {
	c.scope.release()
}

// ChatRoom is one conversation: its history, kept read while the page is open,
// and whether the counterpart is online.
type ChatRoom struct {
	Room     core.Room
	Presence *PresenceTracker

	backend  Backend
	self     string
	logger   *slog.Logger
	onUpdate func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	messages []core.Message
	closed   bool
	scope    *scope
}

func MountChatRoom(ctx context.Context, conn Connection, backend Backend, roomID, self string, o *PageOptions) (_ *ChatRoom, err error) {
	opts := o.defaults()
	s := &scope{logger: opts.Logger}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	room, err := backend.Room(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("Room: %w", err)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	r := &ChatRoom{
		Room:     *room,
		backend:  backend,
		self:     self,
		logger:   opts.Logger,
		onUpdate: opts.OnUpdate,
		ctx:      lifetime,
		cancel:   cancel,
		scope:    s,
	}
	s.onRelease(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		cancel()
		r.wg.Wait()
	})

	// subscribe before reading the history so no insert falls in between,
	// inserts seen twice are dropped by appendMessage
	ch, err := s.channel(conn, ChatRoomChannel(roomID))
	if err != nil {
		return nil, err
	}
	ch.OnChanges(core.ChangeBinding{
		Table:  core.MessagesTable,
		Events: []core.ChangeType{core.Insert},
		Filter: "room_id=eq." + roomID,
	}, r.onInsert)
	ch.Subscribe(ctx, warnOnError(opts.Logger, ch.Name()))

	messages, err := backend.RoomMessages(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("RoomMessages: %w", err)
	}
	r.mu.Lock()
	for _, m := range messages {
		r.messages = appendMessage(r.messages, m)
	}
	r.mu.Unlock()

	r.Presence = NewPresenceTracker(conn, WithPresenceLogger(opts.Logger), WithOnPresenceChange(opts.OnUpdate))
	if err := r.Presence.Join(ctx, ChatRoomPresence, self); err != nil {
		return nil, err
	}
	s.onRelease(r.Presence.Leave)

	if err := backend.MarkConversationRead(ctx, roomID); err != nil {
		opts.Logger.Warn(fmt.Sprintf("mark %s read: %v", roomID, err))
	}
	return r, nil
}

func (r *ChatRoom) onInsert(c core.Change) {
	var m core.Message
	if err := c.Decode(&m); err != nil {
		r.logger.Warn(fmt.Sprintf("decode message: %v", err))
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.messages = appendMessage(r.messages, m)
	markRead := m.SenderID != r.self
	if markRead {
		r.wg.Add(1)
	}
	r.mu.Unlock()
	r.onUpdate()

	if !markRead {
		return
	}
	// the admin is looking at the room, so new messages are read on arrival
	go func() {
		defer r.wg.Done()
		if err := r.backend.MarkConversationRead(r.ctx, r.Room.ID); err != nil && r.ctx.Err() == nil {
			r.logger.Warn(fmt.Sprintf("mark %s read: %v", r.Room.ID, err))
		}
	}()
}

// appendMessage inserts m in id order, dropping duplicates of at least once delivery.
func appendMessage(messages []core.Message, m core.Message) []core.Message {
	i, found := slices.BinarySearchFunc(messages, m.ID, func(e core.Message, id int64) int {
		switch {
		case e.ID < id:
			return -1
		case e.ID > id:
			return 1
		}
		return 0
	})
	if found {
		return messages
	}
	return slices.Insert(messages, i, m)
}

// Messages returns the room history in ascending order.
func (r *ChatRoom) Messages() []core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.messages)
}

func (r *ChatRoom) CounterpartOnline() bool {
	return r.Presence.IsOnline(r.Room.Counterpart(r.self))
}

// Send posts a message. It shows up in Messages once the insert comes back on the change feed.
func (r *ChatRoom) Send(ctx context.Context, content, imageURL string) (*core.Message, error) {
	return r.backend.SendMessage(ctx, r.Room.ID, content, imageURL)
}

func (r *ChatRoom) Close() {
	r.scope.release()
}
